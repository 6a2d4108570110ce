package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vietddude/queryflow/internal/core/domain"
	"github.com/vietddude/queryflow/internal/infra/storage"
)

// HistoryStore implements storage.HistoryRepository in process memory.
type HistoryStore struct {
	mu      sync.RWMutex
	records map[string]*domain.HistoryRecord
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		records: make(map[string]*domain.HistoryRecord),
	}
}

func (s *HistoryStore) Save(ctx context.Context, rec *domain.HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	cp := *rec

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[cp.ID] = &cp
	return nil
}

func (s *HistoryStore) Get(ctx context.Context, id string) (*domain.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, storage.ErrHistoryNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *HistoryStore) List(ctx context.Context, filter storage.HistoryFilter) ([]*domain.HistoryRecord, error) {
	s.mu.RLock()
	var out []*domain.HistoryRecord
	for _, rec := range s.records {
		if filter.Persona != "" && rec.Persona != filter.Persona {
			continue
		}
		if filter.Success != nil && rec.Success != *filter.Success {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TimestampMs == out[j].TimestampMs {
			return out[i].ID > out[j].ID
		}
		return out[i].TimestampMs > out[j].TimestampMs
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *HistoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return storage.ErrHistoryNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *HistoryStore) DeleteOlderThan(ctx context.Context, timestampMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.records {
		if rec.TimestampMs < timestampMs {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *HistoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}
