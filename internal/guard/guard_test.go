package guard

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard(t *testing.T) (*miniredis.Miniredis, *RedisGuard) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisGuard(client)
}

func TestRedisGuardRejectsSecondStart(t *testing.T) {
	mr, g := newGuard(t)
	ctx := context.Background()

	ok, err := g.Acquire(ctx, 7, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Acquire(ctx, 7, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.Acquire(ctx, 8, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "other campaigns are independent")

	mr.FastForward(11 * time.Second)
	ok, err = g.Acquire(ctx, 7, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "window expired")
}

func TestRedisGuardSurfacesErrors(t *testing.T) {
	mr, g := newGuard(t)
	mr.Close()

	_, err := g.Acquire(context.Background(), 1, time.Second)
	assert.Error(t, err)
}
