package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := uuid.NewString()

	val, done, err := s.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Empty(t, val)

	_, _, err = s.Claim(ctx, key)
	require.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, s.Complete(ctx, key, "req-1"))
	val, done, err = s.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "req-1", val)

	other := uuid.NewString()
	_, _, err = s.Claim(ctx, other)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, other))
	_, done, err = s.Claim(ctx, other)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory(time.Minute))
}

func TestMemoryStoreExpiry(t *testing.T) {
	m := NewMemory(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, err := m.Claim(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, "k", "v"))

	now = now.Add(2 * time.Minute)
	_, done, err := m.Claim(ctx, "k")
	require.NoError(t, err)
	assert.False(t, done, "expired key is claimable again")
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("SERVICEBAY_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	exerciseStore(t, NewRedis(client, time.Minute))
}
