package storage

import (
	"context"
	"errors"

	"github.com/vietddude/queryflow/internal/core/domain"
)

var (
	// ErrHistoryNotFound is returned when a history record doesn't exist
	ErrHistoryNotFound = errors.New("history record not found")
)

// HistoryFilter narrows a history listing. Zero values match everything.
type HistoryFilter struct {
	Persona string
	Success *bool
	Limit   int
}

// HistoryRepository handles query history storage operations
type HistoryRepository interface {
	// Save stores a record, assigning an ID if it has none
	Save(ctx context.Context, rec *domain.HistoryRecord) error

	// Get retrieves a record by ID
	Get(ctx context.Context, id string) (*domain.HistoryRecord, error)

	// List returns records newest first
	List(ctx context.Context, filter HistoryFilter) ([]*domain.HistoryRecord, error)

	// Delete removes a record
	Delete(ctx context.Context, id string) error

	// DeleteOlderThan removes records with a timestamp before timestampMs
	DeleteOlderThan(ctx context.Context, timestampMs int64) (int64, error)

	// Count returns the number of stored records
	Count(ctx context.Context) (int64, error)
}
