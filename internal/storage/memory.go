// internal/storage/memory.go
// Package storage persists the resolution audit log. Both backends
// implement the same Store interface: an in-memory map for development
// and testing, and PostgreSQL for production.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tezmeta/tezmeta-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a record id is reused
)

// Store is the persistence interface for the resolution audit log.
// Records are append-only; there is no update or delete.
type Store interface {
	// RecordResolution appends one audit record.
	RecordResolution(ctx context.Context, record model.ResolutionRecord) error
	// ListResolutions pages through the log, newest first.
	ListResolutions(ctx context.Context, query model.ListResolutionsQuery) (*model.ListResolutionsResult, error)
	// GetResolution fetches one record by id.
	GetResolution(ctx context.Context, id string) (*model.ResolutionRecord, error)
	// Close releases backend resources.
	Close()
}

// memory implements the Store interface in process memory. It's
// intended for development and testing purposes.
type memory struct {
	mu      sync.RWMutex
	byID    map[string]*model.ResolutionRecord
	ordered []*model.ResolutionRecord // Append order, oldest first
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{byID: make(map[string]*model.ResolutionRecord)}
}

func (m *memory) RecordResolution(ctx context.Context, record model.ResolutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[record.ID]; exists {
		return ErrConflict
	}
	recordCopy := record
	m.byID[record.ID] = &recordCopy
	m.ordered = append(m.ordered, &recordCopy)
	return nil
}

func (m *memory) GetResolution(ctx context.Context, id string) (*model.ResolutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.byID[id]
	if !exists {
		return nil, ErrNotFound
	}
	recordCopy := *record
	return &recordCopy, nil
}

func (m *memory) ListResolutions(ctx context.Context, query model.ListResolutionsQuery) (*model.ListResolutionsResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]*model.ResolutionRecord, 0, len(m.ordered))
	for _, record := range m.ordered {
		if query.Status == "" || record.Status == query.Status {
			filtered = append(filtered, record)
		}
	}
	// Newest first, id descending as tiebreak for stable ordering
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].ResolvedAt.Equal(filtered[j].ResolvedAt) {
			return filtered[i].ID > filtered[j].ID
		}
		return filtered[i].ResolvedAt.After(filtered[j].ResolvedAt)
	})

	startIndex := 0
	if query.Cursor != "" {
		cursor, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, err
		}
		for i, record := range filtered {
			if record.ResolvedAt.Before(cursor.LastResolvedAt) ||
				(record.ResolvedAt.Equal(cursor.LastResolvedAt) && record.ID < cursor.LastID) {
				startIndex = i
				break
			}
			startIndex = i + 1
		}
	}

	limit := clampLimit(query.Limit)
	endIndex := startIndex + limit
	if endIndex > len(filtered) {
		endIndex = len(filtered)
	}

	page := make([]model.ResolutionRecord, endIndex-startIndex)
	for i, record := range filtered[startIndex:endIndex] {
		page[i] = *record
	}

	result := &model.ListResolutionsResult{Records: page}
	if endIndex < len(filtered) && len(page) > 0 {
		last := page[len(page)-1]
		result.NextCursor = encodeCursor(last.ResolvedAt, last.ID)
	}
	return result, nil
}

func (m *memory) Close() {}

// cursorData represents the data encoded in a pagination cursor
type cursorData struct {
	LastResolvedAt time.Time // Timestamp of the last returned record
	LastID         string    // Id of the last returned record
}

// encodeCursor encodes cursor data into a base64 string
func encodeCursor(lastResolvedAt time.Time, lastID string) string {
	jsonBytes, _ := json.Marshal(cursorData{LastResolvedAt: lastResolvedAt, LastID: lastID})
	return base64.URLEncoding.EncodeToString(jsonBytes)
}

// decodeCursor decodes a base64 cursor string into cursor data
func decodeCursor(cursor string) (*cursorData, error) {
	dataBytes, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, errors.New("invalid cursor format")
	}
	var data cursorData
	if err := json.Unmarshal(dataBytes, &data); err != nil {
		return nil, errors.New("invalid cursor data")
	}
	return &data, nil
}

// clampLimit applies the default and cap page sizes.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 25
	}
	if limit > 100 {
		return 100
	}
	return limit
}
