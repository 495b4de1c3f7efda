package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeKey(t *testing.T) {
	assert.Equal(t, "outcome:i-1:SUCCEEDED", outcomeKey("i-1:SUCCEEDED"))
}

func TestRedisDeduper(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	d := NewRedisDeduper(RedisConfig{Addr: addr}, time.Minute)
	defer d.Close()
	require.NoError(t, d.Ping(ctx))

	key := uuid.NewString() + ":SUCCEEDED"
	first, err := d.Mark(ctx, key)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.Mark(ctx, key)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, d.Release(ctx, key))
	after, err := d.Mark(ctx, key)
	require.NoError(t, err)
	assert.True(t, after)
	require.NoError(t, d.Release(ctx, key))
}
