// Package cache remembers Idempotency-Key outcomes so a retried create
// returns the original result instead of opening a second request.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL    = 24 * time.Hour
	keyPrefix     = "servicebay:idem:"
	pendingMarker = "\x00pending"
)

// ErrInFlight means another call holding the same key has not finished yet.
var ErrInFlight = errors.New("idempotency key in flight")

type Store interface {
	// Claim reserves key. When the key already completed it returns the
	// stored value with done set. A key still being processed yields ErrInFlight.
	Claim(ctx context.Context, key string) (value string, done bool, err error)
	Complete(ctx context.Context, key, value string) error
	// Release drops a claim whose call failed so the client may retry.
	Release(ctx context.Context, key string) error
}

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Claim(ctx context.Context, key string) (string, bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefix+key, pendingMarker, r.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", false, nil
	}
	val, err := r.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SetNX and Get; treat as a fresh claim attempt
		return r.Claim(ctx, key)
	}
	if err != nil {
		return "", false, err
	}
	if val == pendingMarker {
		return "", false, ErrInFlight
	}
	return val, true, nil
}

func (r *Redis) Complete(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, keyPrefix+key, value, r.ttl).Err()
}

func (r *Redis) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, keyPrefix+key).Err()
}

type entry struct {
	value   string
	expires time.Time
}

// Memory is a single-process Store.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{entries: map[string]entry{}, ttl: ttl, now: time.Now}
}

func (m *Memory) Claim(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		if e.value == pendingMarker {
			return "", false, ErrInFlight
		}
		return e.value, true, nil
	}
	m.entries[key] = entry{value: pendingMarker, expires: now.Add(m.ttl)}
	return "", false, nil
}

func (m *Memory) Complete(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
