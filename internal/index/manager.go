// Package index keeps a full-text index over the locally cached library rows.
package index

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mediahub-go/internal/config"
	"mediahub-go/internal/types"
)

// Manager provides a unified interface for indexing operations
type Manager struct {
	bleveIndex *BleveIndex
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewManager opens the on-disk index in dataDir
func NewManager(dataDir string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bleveIndex, err := NewBleveIndex(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &Manager{bleveIndex: bleveIndex, logger: logger}, nil
}

// NewMemManager creates a manager over an in-memory index
func NewMemManager(logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bleveIndex, err := NewMemBleveIndex(logger)
	if err != nil {
		return nil, err
	}
	return &Manager{bleveIndex: bleveIndex, logger: logger}, nil
}

// Close closes the index manager
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bleveIndex == nil {
		return nil
	}
	err := m.bleveIndex.Close()
	m.bleveIndex = nil
	return err
}

// IndexRows indexes the rows of one committed page
func (m *Manager) IndexRows(rows []types.LocalMediaRow) error {
	if len(rows) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bleveIndex == nil {
		return fmt.Errorf("index is closed")
	}
	return m.bleveIndex.IndexRows(rows)
}

// DeleteView removes every row of a view, ahead of a refresh
func (m *Manager) DeleteView(view types.ViewKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bleveIndex == nil {
		return fmt.Errorf("index is closed")
	}
	removed, err := m.bleveIndex.DeleteView(view)
	if err != nil {
		return err
	}
	m.logger.Debug("Removed view from index",
		zap.String("view", view.String()),
		zap.Int("rows", removed))
	return nil
}

// DeleteServer removes every row of one server
func (m *Manager) DeleteServer(serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bleveIndex == nil {
		return fmt.Errorf("index is closed")
	}
	_, err := m.bleveIndex.DeleteServer(serverID)
	return err
}

// Search returns the ids of matching rows, best first
func (m *Manager) Search(query string, limit int) ([]SearchHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.bleveIndex == nil {
		return nil, fmt.Errorf("index is closed")
	}
	if limit <= 0 {
		limit = config.DefaultSearchLimit
	}
	return m.bleveIndex.Search(query, limit)
}

// GetDocumentCount returns the number of indexed documents
func (m *Manager) GetDocumentCount() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.bleveIndex == nil {
		return 0, fmt.Errorf("index is closed")
	}
	return m.bleveIndex.GetDocumentCount()
}

// GetStats returns indexing statistics
func (m *Manager) GetStats() (map[string]interface{}, error) {
	docCount, err := m.GetDocumentCount()
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"document_count": docCount,
		"index_type":     "bleve",
		"search_backend": "BM25",
	}, nil
}
