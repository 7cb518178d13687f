package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const replayPrefix = "replay:v1:"

// MarkResult classifies an inbound (sender, transfer id, nonce) triple.
type MarkResult int

const (
	// MarkNew: the triple was unseen and is now recorded.
	MarkNew MarkResult = iota
	// MarkDuplicate: the triple was seen before with an identical payload
	// digest — an at-least-once redelivery, safe to answer idempotently.
	MarkDuplicate
	// MarkReplay: the triple was seen before with a different payload — a
	// forged replay, rejected outright.
	MarkReplay
)

// ReplayStore records processed message triples for replay protection.
type ReplayStore interface {
	Mark(ctx context.Context, sender, transferID, nonce, digest string) (MarkResult, error)
}

// MemoryReplayStore is the in-memory replay store for dev mode and tests.
type MemoryReplayStore struct {
	mu      sync.Mutex
	digests map[string]string
}

// NewMemoryReplayStore creates an empty in-memory replay store.
func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{digests: make(map[string]string)}
}

// Mark records the triple or classifies a repeat.
func (s *MemoryReplayStore) Mark(_ context.Context, sender, transferID, nonce, digest string) (MarkResult, error) {
	key := replayKey(sender, transferID, nonce)
	s.mu.Lock()
	defer s.mu.Unlock()
	if seen, ok := s.digests[key]; ok {
		if seen == digest {
			return MarkDuplicate, nil
		}
		return MarkReplay, nil
	}
	s.digests[key] = digest
	return MarkNew, nil
}

// RedisReplayStore persists processed triples in Redis so replay protection
// survives restarts and is shared across replicas of one instance.
type RedisReplayStore struct {
	cache *redis.Client
	ttl   time.Duration
}

// NewRedisReplayStore builds a Redis-backed replay store. Entries expire
// after ttl; by then the transfer id has long reached a terminal decision.
func NewRedisReplayStore(cache *redis.Client, ttl time.Duration) *RedisReplayStore {
	return &RedisReplayStore{cache: cache, ttl: ttl}
}

// Mark records the triple with SETNX, comparing digests on a collision.
func (s *RedisReplayStore) Mark(ctx context.Context, sender, transferID, nonce, digest string) (MarkResult, error) {
	key := replayKey(sender, transferID, nonce)

	set, err := s.cache.SetNX(ctx, key, digest, s.ttl).Result()
	if err != nil {
		return MarkNew, fmt.Errorf("replay store: %w", err)
	}
	if set {
		return MarkNew, nil
	}

	seen, err := s.cache.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between SetNX and Get; treat as a redelivery.
			return MarkDuplicate, nil
		}
		return MarkNew, fmt.Errorf("replay store: %w", err)
	}
	if seen == digest {
		return MarkDuplicate, nil
	}
	return MarkReplay, nil
}

func replayKey(sender, transferID, nonce string) string {
	return replayPrefix + sender + ":" + transferID + ":" + nonce
}
