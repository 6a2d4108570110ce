package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/queryflow/internal/core/domain"
)

const keyNamespace = "queryflow:result:"

// ResultStore keeps query responses in Redis so several processes share cache hits.
type ResultStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewResultStore creates a result store whose entries expire after ttl.
func NewResultStore(client *Client, ttl time.Duration) *ResultStore {
	return &ResultStore{
		rdb: client.rdb,
		ttl: ttl,
	}
}

func resultKey(fingerprint string) string {
	return keyNamespace + fingerprint
}

// Get returns the stored response for fingerprint.
func (s *ResultStore) Get(ctx context.Context, fingerprint string) (*domain.QueryResponse, bool, error) {
	data, err := s.rdb.Get(ctx, resultKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get failed: %w", err)
	}

	var resp domain.QueryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		// Corrupt entry, drop it
		s.rdb.Del(ctx, resultKey(fingerprint))
		return nil, false, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &resp, true, nil
}

// Set stores resp under fingerprint.
func (s *ResultStore) Set(ctx context.Context, fingerprint string, resp *domain.QueryResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := s.rdb.Set(ctx, resultKey(fingerprint), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// Delete removes the entry for fingerprint.
func (s *ResultStore) Delete(ctx context.Context, fingerprint string) error {
	return s.rdb.Del(ctx, resultKey(fingerprint)).Err()
}

// Clear removes every stored result.
func (s *ResultStore) Clear(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, keyNamespace+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// Ping checks the connection.
func (s *ResultStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
