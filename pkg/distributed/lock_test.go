package distributed

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

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("ZOMBIEFILE_TEST_REDIS_ADDRESS")
	if addr == "" {
		t.Skip("ZOMBIEFILE_TEST_REDIS_ADDRESS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLock_Exclusive(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "zombiefile:test:lock:" + uuid.NewString()

	a := NewLock(client, key, time.Minute)
	b := NewLock(client, key, time.Minute)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, a.Held())

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, b.Unlock(ctx), ErrLockNotHeld)

	require.NoError(t, a.Unlock(ctx))
	assert.False(t, a.Held())

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Unlock(ctx))
}

func TestLock_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "zombiefile:test:lock:" + uuid.NewString()

	a := NewLock(client, key, 50*time.Millisecond)
	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	b := NewLock(client, key, time.Minute)
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, a.Unlock(ctx), ErrLockNotHeld)
	held, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), held, "b's lease must survive a's unlock")
}

func TestLock_UnlockWithoutLock(t *testing.T) {
	l := NewLock(nil, "k", time.Second)
	assert.ErrorIs(t, l.Unlock(context.Background()), ErrLockNotHeld)
	assert.False(t, l.Held())
}
