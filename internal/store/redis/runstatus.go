// Package redis holds the batch run-status cache. Run summaries are
// transient operator-facing state with a bounded lifetime, kept behind an
// interface so a single-process deployment can use the in-memory variant and
// a multi-instance deployment can share Redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunStatusStore persists per-run batch summaries keyed by run id, with TTL.
type RunStatusStore interface {
	SetRunStatus(ctx context.Context, runID string, status any, ttl time.Duration) error
	// GetRunStatus returns nil with no error when the run id is unknown or
	// expired.
	GetRunStatus(ctx context.Context, runID string) (json.RawMessage, error)
}

type Store struct {
	client    *redis.Client
	namespace string
}

var _ RunStatusStore = (*Store)(nil)

func NewStore(url, namespace string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{client: client, namespace: namespace}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(runID string) string {
	return s.namespace + ":run:" + runID
}

func (s *Store) SetRunStatus(ctx context.Context, runID string, status any, ttl time.Duration) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal run status: %w", err)
	}
	if err := s.client.Set(ctx, s.key(runID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	return nil
}

func (s *Store) GetRunStatus(ctx context.Context, runID string) (json.RawMessage, error) {
	payload, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get run status: %w", err)
	}
	return json.RawMessage(payload), nil
}

// InMemoryStore is the single-process fallback.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	payload   json.RawMessage
	expiresAt time.Time
}

var _ RunStatusStore = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *InMemoryStore) SetRunStatus(_ context.Context, runID string, status any, ttl time.Duration) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal run status: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.entries[runID] = memoryEntry{
		payload:   payload,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *InMemoryStore) GetRunStatus(_ context.Context, runID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[runID]
	if !ok || s.now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.payload, nil
}

func (s *InMemoryStore) sweepLocked() {
	now := s.now()
	for id, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, id)
		}
	}
}
