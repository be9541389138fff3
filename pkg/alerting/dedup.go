package alerting

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupEntry is the per-alert-id suppression history.
type DedupEntry struct {
	// LastEmittedMs anchors the dedup window: it records the last time
	// the alert actually reached the sink, not the last suppressed call.
	LastEmittedMs int64
	// Count is the total number of occurrences, suppressed ones included.
	Count int
}

// DedupStore holds emission history keyed by alert id. It is constructor-
// injected into the Dispatcher; in-process deployments use the memory
// store, multi-replica deployments need a shared store (see RedisDedupStore)
// or each replica applies dedup independently.
type DedupStore interface {
	Get(ctx context.Context, id string) (*DedupEntry, error)
	Put(ctx context.Context, id string, entry DedupEntry) error
}

// MemoryDedupStore is a process-local DedupStore.
type MemoryDedupStore struct {
	mu      sync.Mutex
	entries map[string]DedupEntry
}

// NewMemoryDedupStore creates an empty in-memory store.
func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{entries: make(map[string]DedupEntry)}
}

func (s *MemoryDedupStore) Get(_ context.Context, id string) (*DedupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryDedupStore) Put(_ context.Context, id string, entry DedupEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = entry
	return nil
}

// RedisDedupStore shares dedup history across dispatcher replicas.
type RedisDedupStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDedupStore creates a store on the given client. Entries expire
// after ttl so the key space stays bounded; ttl should comfortably exceed
// the dispatcher's dedup window.
func NewRedisDedupStore(client *redis.Client, ttl time.Duration) *RedisDedupStore {
	return &RedisDedupStore{client: client, prefix: "replay:alert:", ttl: ttl}
}

func (s *RedisDedupStore) Get(ctx context.Context, id string) (*DedupEntry, error) {
	vals, err := s.client.HGetAll(ctx, s.prefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("alerting: redis get %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	last, err := strconv.ParseInt(vals["last_emitted_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("alerting: corrupt dedup entry for %s: %w", id, err)
	}
	count, err := strconv.Atoi(vals["count"])
	if err != nil {
		return nil, fmt.Errorf("alerting: corrupt dedup entry for %s: %w", id, err)
	}
	return &DedupEntry{LastEmittedMs: last, Count: count}, nil
}

func (s *RedisDedupStore) Put(ctx context.Context, id string, entry DedupEntry) error {
	key := s.prefix + id
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "last_emitted_ms", entry.LastEmittedMs, "count", entry.Count)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("alerting: redis put %s: %w", id, err)
	}
	return nil
}
