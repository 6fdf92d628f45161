package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"mediahub-go/internal/storage"
	"mediahub-go/internal/types"
)

const (
	indexDirName = "index.bleve"
	batchSize    = 500
)

// rowDocument is what gets indexed for one cached row
type rowDocument struct {
	Title     string `json:"title"`
	ShowTitle string `json:"show_title"`
	Summary   string `json:"summary"`
	Type      string `json:"type"`
	Year      int    `json:"year"`
	ServerID  string `json:"server_id"`
	View      string `json:"view"`
}

// SearchHit is one matching row
type SearchHit struct {
	RowID string
	Score float64
}

// BleveIndex is a full-text index over cached library rows
type BleveIndex struct {
	index  bleve.Index
	logger *zap.Logger
}

// NewBleveIndex opens or creates the on-disk index under dataDir
func NewBleveIndex(dataDir string, logger *zap.Logger) (*BleveIndex, error) {
	path := filepath.Join(dataDir, indexDirName)

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		if mkErr := os.MkdirAll(dataDir, 0700); mkErr != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", mkErr)
		}
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open index at %s: %w", path, err)
	}

	logger.Debug("Opened search index", zap.String("path", path))
	return &BleveIndex{index: idx, logger: logger}, nil
}

// NewMemBleveIndex creates an index that lives only in memory
func NewMemBleveIndex(logger *zap.Logger) (*BleveIndex, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory index: %w", err)
	}
	return &BleveIndex{index: idx, logger: logger}, nil
}

func buildMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = "standard"

	keyword := bleve.NewKeywordFieldMapping()

	numeric := bleve.NewNumericFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("title", text)
	doc.AddFieldMappingsAt("show_title", text)
	doc.AddFieldMappingsAt("summary", text)
	doc.AddFieldMappingsAt("type", keyword)
	doc.AddFieldMappingsAt("year", numeric)
	doc.AddFieldMappingsAt("server_id", keyword)
	doc.AddFieldMappingsAt("view", keyword)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Close closes the index
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// IndexRows adds or replaces rows in one batch
func (b *BleveIndex) IndexRows(rows []types.LocalMediaRow) error {
	batch := b.index.NewBatch()
	for _, row := range rows {
		doc := rowDocument{
			Title:     row.Item.Title,
			ShowTitle: row.Item.GrandparentTitle,
			Summary:   row.Item.Summary,
			Type:      row.Item.Type,
			Year:      row.Item.Year,
			ServerID:  row.View.ServerID,
			View:      row.View.String(),
		}
		if err := batch.Index(storage.RowID(row.View, row.PageOffset), doc); err != nil {
			return fmt.Errorf("failed to batch row %d: %w", row.PageOffset, err)
		}
	}
	return b.index.Batch(batch)
}

// deleteMatching removes every document matched by q
func (b *BleveIndex) deleteMatching(q query.Query) (int, error) {
	removed := 0
	for {
		req := bleve.NewSearchRequestOptions(q, batchSize, 0, false)
		res, err := b.index.Search(req)
		if err != nil {
			return removed, err
		}
		if len(res.Hits) == 0 {
			return removed, nil
		}

		batch := b.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := b.index.Batch(batch); err != nil {
			return removed, err
		}
		removed += len(res.Hits)
	}
}

// DeleteView removes every row of one view
func (b *BleveIndex) DeleteView(view types.ViewKey) (int, error) {
	q := bleve.NewTermQuery(view.String())
	q.SetField("view")
	return b.deleteMatching(q)
}

// DeleteServer removes every row of one server
func (b *BleveIndex) DeleteServer(serverID string) (int, error) {
	q := bleve.NewTermQuery(serverID)
	q.SetField("server_id")
	return b.deleteMatching(q)
}

// Search matches titles, show titles and summaries, with prefix matching on
// each word of the query so partially typed titles still hit
func (b *BleveIndex) Search(text string, limit int) ([]SearchHit, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	title := bleve.NewMatchQuery(text)
	title.SetField("title")
	title.SetBoost(3)

	show := bleve.NewMatchQuery(text)
	show.SetField("show_title")
	show.SetBoost(2)

	summary := bleve.NewMatchQuery(text)
	summary.SetField("summary")

	queries := []query.Query{title, show, summary}
	for _, word := range strings.Fields(strings.ToLower(text)) {
		prefix := bleve.NewPrefixQuery(word)
		prefix.SetField("title")
		queries = append(queries, prefix)
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(queries...), limit, 0, false)
	res, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]SearchHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		hits = append(hits, SearchHit{RowID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

// GetDocumentCount returns the number of indexed rows
func (b *BleveIndex) GetDocumentCount() (uint64, error) {
	return b.index.DocCount()
}
