// Package storage is the local cache: library rows and page-load keys per
// view, persisted connection hints, and client metadata, all in bbolt.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"mediahub-go/internal/types"
)

// ErrClosed is returned for operations on a closed manager
var ErrClosed = errors.New("storage closed")

// Manager provides the transactional row/page-key store and the
// connection-hint settings store
type Manager struct {
	db     *BoltDB
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

// NewManager opens the store in dataDir
func NewManager(dataDir string, logger *zap.SugaredLogger) (*Manager, error) {
	db, err := NewBoltDB(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt database: %w", err)
	}
	return &Manager{db: db, logger: logger}, nil
}

// Close closes the store. Further calls return ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

func (m *Manager) view(fn func(tx *bbolt.Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return ErrClosed
	}
	return m.db.db.View(fn)
}

func (m *Manager) update(fn func(tx *bbolt.Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return ErrClosed
	}
	return m.db.db.Update(fn)
}

// Page operations

// ApplyPage persists one fetched page in a single transaction: optional
// clear of the view, row upserts, page-key upsert. Any failure rolls the
// whole page back.
func (m *Manager) ApplyPage(w PageWrite) error {
	if w.View.ServerID == "" || w.View.LibraryKey == "" {
		return fmt.Errorf("%w: page write without server or library", types.ErrDataInconsistency)
	}
	if w.Key.Offset < 0 {
		return fmt.Errorf("%w: negative page offset %d", types.ErrDataInconsistency, w.Key.Offset)
	}
	view := w.View.Normalized()

	err := m.update(func(tx *bbolt.Tx) error {
		rows := tx.Bucket([]byte(MediaRowsBucket))
		keys := tx.Bucket([]byte(PageKeysBucket))

		if w.Refresh {
			prefix := viewPrefix(view)
			if _, err := deletePrefix(rows, prefix); err != nil {
				return fmt.Errorf("failed to clear rows: %w", err)
			}
			if _, err := deletePrefix(keys, prefix); err != nil {
				return fmt.Errorf("failed to clear page keys: %w", err)
			}
		}

		for i := range w.Rows {
			row := w.Rows[i]
			if row.PageOffset < 0 {
				return fmt.Errorf("%w: negative row offset %d", types.ErrDataInconsistency, row.PageOffset)
			}
			row.View = view
			record := &RowRecord{LocalMediaRow: row}
			data, err := record.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal row %d: %w", row.PageOffset, err)
			}
			if err := rows.Put(offsetKey(view, row.PageOffset), data); err != nil {
				return fmt.Errorf("failed to store row %d: %w", row.PageOffset, err)
			}
		}

		key := w.Key
		key.View = view
		record := &PageKeyRecord{PageLoadKey: key}
		data, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal page key: %w", err)
		}
		return keys.Put(offsetKey(view, key.Offset), data)
	})
	if err != nil {
		return err
	}

	m.logger.Debugw("Applied page",
		"view", view.String(),
		"offset", w.Key.Offset,
		"rows", len(w.Rows),
		"refresh", w.Refresh)
	return nil
}

// HasPageKeys reports whether any page was ever stored for the view
func (m *Manager) HasPageKeys(view types.ViewKey) (bool, error) {
	found := false
	err := m.view(func(tx *bbolt.Tx) error {
		prefix := viewPrefix(view)
		k, _ := tx.Bucket([]byte(PageKeysBucket)).Cursor().Seek(prefix)
		found = k != nil && bytes.HasPrefix(k, prefix)
		return nil
	})
	return found, err
}

// PageKeyAtOrBefore returns the page key with the greatest offset <= offset,
// or nil when the view has none.
func (m *Manager) PageKeyAtOrBefore(view types.ViewKey, offset int) (*types.PageLoadKey, error) {
	if offset < 0 {
		return nil, nil
	}

	var result *types.PageLoadKey
	err := m.view(func(tx *bbolt.Tx) error {
		prefix := viewPrefix(view)
		target := offsetKey(view, offset)
		c := tx.Bucket([]byte(PageKeysBucket)).Cursor()

		k, v := c.Seek(target)
		if k == nil {
			k, v = c.Last()
		} else if !bytes.Equal(k, target) {
			k, v = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}

		record := &PageKeyRecord{}
		if err := record.UnmarshalBinary(v); err != nil {
			return fmt.Errorf("failed to decode page key %q: %w", k, err)
		}
		result = &record.PageLoadKey
		return nil
	})
	return result, err
}

// ListPageKeys returns every page key of the view in offset order
func (m *Manager) ListPageKeys(view types.ViewKey) ([]types.PageLoadKey, error) {
	var keys []types.PageLoadKey
	err := m.view(func(tx *bbolt.Tx) error {
		return scanPrefix(tx.Bucket([]byte(PageKeysBucket)), viewPrefix(view), func(k, v []byte) error {
			record := &PageKeyRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to decode page key %q: %w", k, err)
			}
			keys = append(keys, record.PageLoadKey)
			return nil
		})
	})
	return keys, err
}

// ListRows returns every cached row of the view in offset order
func (m *Manager) ListRows(view types.ViewKey) ([]types.LocalMediaRow, error) {
	var rows []types.LocalMediaRow
	err := m.view(func(tx *bbolt.Tx) error {
		return scanPrefix(tx.Bucket([]byte(MediaRowsBucket)), viewPrefix(view), func(k, v []byte) error {
			record := &RowRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to decode row %q: %w", k, err)
			}
			rows = append(rows, record.LocalMediaRow)
			return nil
		})
	})
	return rows, err
}

// GetRows loads rows by RowID, skipping ids that no longer exist
func (m *Manager) GetRows(ids []string) ([]types.LocalMediaRow, error) {
	rows := make([]types.LocalMediaRow, 0, len(ids))
	err := m.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MediaRowsBucket))
		for _, id := range ids {
			v := bucket.Get([]byte(id))
			if v == nil {
				continue
			}
			record := &RowRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to decode row %q: %w", id, err)
			}
			rows = append(rows, record.LocalMediaRow)
		}
		return nil
	})
	return rows, err
}

// ClearView deletes every row and page key of one view
func (m *Manager) ClearView(view types.ViewKey) error {
	return m.update(func(tx *bbolt.Tx) error {
		prefix := viewPrefix(view)
		if _, err := deletePrefix(tx.Bucket([]byte(MediaRowsBucket)), prefix); err != nil {
			return err
		}
		_, err := deletePrefix(tx.Bucket([]byte(PageKeysBucket)), prefix)
		return err
	})
}

// ClearServer deletes every view of one server
func (m *Manager) ClearServer(serverID string) (int, error) {
	removed := 0
	err := m.update(func(tx *bbolt.Tx) error {
		prefix := serverPrefix(serverID)
		n, err := deletePrefix(tx.Bucket([]byte(MediaRowsBucket)), prefix)
		if err != nil {
			return err
		}
		removed = n
		_, err = deletePrefix(tx.Bucket([]byte(PageKeysBucket)), prefix)
		return err
	})
	if err == nil && removed > 0 {
		m.logger.Infow("Cleared cached rows for server", "server", serverID, "rows", removed)
	}
	return removed, err
}

// Connection hints

// LoadConnectionHints returns every persisted last-known-good URL
func (m *Manager) LoadConnectionHints() ([]types.ConnectionHint, error) {
	var hints []types.ConnectionHint
	err := m.view(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ConnectionHintsBucket)).ForEach(func(k, v []byte) error {
			record := &ConnectionHintRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				m.logger.Warnw("Skipping corrupt connection hint", "server", string(k), "error", err)
				return nil
			}
			hints = append(hints, types.ConnectionHint{
				ServerID:  record.ServerID,
				URL:       record.URL,
				UpdatedAt: record.UpdatedAt,
			})
			return nil
		})
	})
	return hints, err
}

// SaveConnectionHint stores the last-known-good URL of a server
func (m *Manager) SaveConnectionHint(hint types.ConnectionHint) error {
	record := &ConnectionHintRecord{
		ServerID:  hint.ServerID,
		URL:       hint.URL,
		UpdatedAt: hint.UpdatedAt,
	}
	data, err := record.MarshalBinary()
	if err != nil {
		return err
	}
	return m.update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ConnectionHintsBucket)).Put([]byte(hint.ServerID), data)
	})
}

// DeleteConnectionHint forgets a server's persisted URL
func (m *Manager) DeleteConnectionHint(serverID string) error {
	return m.update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ConnectionHintsBucket)).Delete([]byte(serverID))
	})
}

// Meta

// ClientIdentifier returns the identifier generated when the store was created
func (m *Manager) ClientIdentifier() (string, error) {
	var id string
	err := m.view(func(tx *bbolt.Tx) error {
		id = string(tx.Bucket([]byte(MetaBucket)).Get([]byte(ClientIdentifierKey)))
		return nil
	})
	return id, err
}

// GetStats counts the entries in each data bucket
func (m *Manager) GetStats() (Stats, error) {
	var stats Stats
	err := m.view(func(tx *bbolt.Tx) error {
		stats.Rows = tx.Bucket([]byte(MediaRowsBucket)).Stats().KeyN
		stats.PageKeys = tx.Bucket([]byte(PageKeysBucket)).Stats().KeyN
		stats.ConnectionHints = tx.Bucket([]byte(ConnectionHintsBucket)).Stats().KeyN
		return nil
	})
	return stats, err
}

func scanPrefix(bucket *bbolt.Bucket, prefix []byte, fn func(k, v []byte) error) error {
	c := bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// deletePrefix collects matching keys first; deleting while iterating a
// bbolt cursor skips entries.
func deletePrefix(bucket *bbolt.Bucket, prefix []byte) (int, error) {
	var doomed [][]byte
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		doomed = append(doomed, append([]byte(nil), k...))
	}
	for _, k := range doomed {
		if err := bucket.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}
