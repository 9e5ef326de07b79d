package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zombiefile/internal/core/domain"
)

// newTestRepo connects to the Redis named by ZOMBIEFILE_TEST_REDIS_ADDRESS.
func newTestRepo(t *testing.T) *RedisRoomRepository {
	t.Helper()
	addr := os.Getenv("ZOMBIEFILE_TEST_REDIS_ADDRESS")
	if addr == "" {
		t.Skip("ZOMBIEFILE_TEST_REDIS_ADDRESS not set")
	}
	client, err := NewRedisClient(addr, "", 0, 4, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRoomRepository(client, time.Minute).(*RedisRoomRepository)
}

func testRoomID() domain.RoomID {
	return domain.RoomID("test-" + uuid.NewString())
}

func TestDecodeRoom(t *testing.T) {
	now := time.UnixMilli(2000)
	room := decodeRoom("r1", []string{"1000", "a", "b"}, now)
	assert.Equal(t, domain.RoomID("r1"), room.ID)
	assert.Equal(t, time.UnixMilli(1000), room.CreatedAt)
	assert.Equal(t, now, room.LastActivity)
	assert.Equal(t, []domain.ConnectionID{"a", "b"}, room.Members)

	empty := decodeRoom("r1", []string{"1000"}, now)
	assert.Equal(t, 0, empty.PeerCount())
}

func TestRedisRoomRepository_Lifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := testRoomID()

	_, err := repo.JoinMember(ctx, id, "b")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	room, err := repo.AddMember(ctx, id, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, room.PeerCount())

	room, err = repo.JoinMember(ctx, id, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, room.PeerCount())
	assert.ElementsMatch(t, []domain.ConnectionID{"a"}, room.Others("b"))

	require.NoError(t, repo.Touch(ctx, id))

	_, err = repo.RemoveMember(ctx, id, "a")
	require.NoError(t, err)
	room, err = repo.RemoveMember(ctx, id, "b")
	require.NoError(t, err)
	assert.Equal(t, 0, room.PeerCount())

	_, err = repo.GetByID(ctx, id)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRedisRoomRepository_ExpireIdle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := testRoomID()

	_, err := repo.AddMember(ctx, id, "a")
	require.NoError(t, err)

	expired, err := repo.ExpireIdle(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Contains(t, expired, id)

	_, err = repo.GetByID(ctx, id)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestDecodeExpired(t *testing.T) {
	scanned, ids, err := decodeExpired([]interface{}{int64(3), []interface{}{"r1", "r2"}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, scanned)
	assert.Equal(t, []domain.RoomID{"r1", "r2"}, ids)

	scanned, ids, err = decodeExpired([]interface{}{int64(0), []interface{}{}})
	require.NoError(t, err)
	assert.Zero(t, scanned)
	assert.Empty(t, ids)

	_, _, err = decodeExpired([]interface{}{"x"})
	assert.Error(t, err)
}

func TestRedisRoomRepository_ExpireIdleKeepsRecentlyActiveRoom(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := testRoomID()
	t.Cleanup(func() { _ = repo.Delete(ctx, id) })

	_, err := repo.AddMember(ctx, id, "a")
	require.NoError(t, err)

	// index entry lags behind the room hash
	stale := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, repo.client.ZAdd(ctx, indexKey, redis.Z{Score: float64(stale), Member: string(id)}).Err())

	expired, err := repo.ExpireIdle(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.NotContains(t, expired, id)

	room, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, room.PeerCount())

	score, err := repo.client.ZScore(ctx, indexKey, string(id)).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(room.LastActivity.UnixMilli()), score)
}

func TestRedisRoomRepository_ExpireIdleDropsOrphanedIndexEntry(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := testRoomID()

	// room keys already gone through their TTL
	old := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, repo.client.ZAdd(ctx, indexKey, redis.Z{Score: float64(old), Member: string(id)}).Err())

	expired, err := repo.ExpireIdle(ctx, time.Now())
	require.NoError(t, err)
	assert.Contains(t, expired, id)

	err = repo.client.ZScore(ctx, indexKey, string(id)).Err()
	assert.ErrorIs(t, err, redis.Nil)
}
