package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/core/ports"
)

const (
	keyPrefix = "zombiefile:room:"
	indexKey  = "zombiefile:rooms"
)

// Membership changes run as Lua scripts so a join racing a disconnect on the
// same room cannot lose an update. KEYS: meta hash, member set, index zset.
// ARGV: now (unix ms), ttl (seconds), room id, connection id.

const touchLua = `
redis.call('HSET', KEYS[1], 'last_activity', ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[1], ARGV[3])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
  redis.call('EXPIRE', KEYS[2], ttl)
end
`

const snapshotLua = `
local out = redis.call('SMEMBERS', KEYS[2])
table.insert(out, 1, redis.call('HGET', KEYS[1], 'created_at'))
return out
`

var addMemberScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'created_at', ARGV[1])
redis.call('SADD', KEYS[2], ARGV[4])
` + touchLua + snapshotLua)

var joinMemberScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
redis.call('SADD', KEYS[2], ARGV[4])
` + touchLua + snapshotLua)

var removeMemberScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local created = redis.call('HGET', KEYS[1], 'created_at')
redis.call('SREM', KEYS[2], ARGV[4])
if redis.call('SCARD', KEYS[2]) == 0 then
  redis.call('DEL', KEYS[1], KEYS[2])
  redis.call('ZREM', KEYS[3], ARGV[3])
  return {created}
end
` + touchLua + snapshotLua)

var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
` + touchLua + `
return 1
`)

type RedisRoomRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRoomRepository stores rooms in Redis. Every membership change
// refreshes a key expiry of ttl, so abandoned rooms disappear on their own.
func NewRedisRoomRepository(client *redis.Client, ttl time.Duration) ports.RoomRepository {
	return &RedisRoomRepository{client: client, ttl: ttl}
}

func metaKey(id domain.RoomID) string {
	return keyPrefix + string(id)
}

func membersKey(id domain.RoomID) string {
	return keyPrefix + string(id) + ":members"
}

func (r *RedisRoomRepository) run(ctx context.Context, script *redis.Script, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error) {
	now := time.Now()
	res, err := script.Run(ctx, r.client,
		[]string{metaKey(roomID), membersKey(roomID), indexKey},
		now.UnixMilli(), int64(r.ttl/time.Second), string(roomID), string(connID),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update room in Redis: %w", err)
	}
	return decodeRoom(roomID, res, now), nil
}

func (r *RedisRoomRepository) AddMember(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error) {
	return r.run(ctx, addMemberScript, roomID, connID)
}

func (r *RedisRoomRepository) JoinMember(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error) {
	return r.run(ctx, joinMemberScript, roomID, connID)
}

func (r *RedisRoomRepository) RemoveMember(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error) {
	return r.run(ctx, removeMemberScript, roomID, connID)
}

func (r *RedisRoomRepository) GetByID(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	meta, err := r.client.HGetAll(ctx, metaKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}
	if len(meta) == 0 {
		return nil, domain.ErrRoomNotFound
	}
	members, err := r.client.SMembers(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room members from Redis: %w", err)
	}

	room := &domain.Room{
		ID:           roomID,
		CreatedAt:    parseMillis(meta["created_at"]),
		LastActivity: parseMillis(meta["last_activity"]),
	}
	for _, m := range members {
		room.Members = append(room.Members, domain.ConnectionID(m))
	}
	return room, nil
}

func (r *RedisRoomRepository) Touch(ctx context.Context, roomID domain.RoomID) error {
	err := touchScript.Run(ctx, r.client,
		[]string{metaKey(roomID), membersKey(roomID), indexKey},
		time.Now().UnixMilli(), int64(r.ttl/time.Second), string(roomID),
	).Err()
	if errors.Is(err, redis.Nil) {
		return domain.ErrRoomNotFound
	}
	return err
}

func (r *RedisRoomRepository) Delete(ctx context.Context, roomID domain.RoomID) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, metaKey(roomID), membersKey(roomID))
	pipe.ZRem(ctx, indexKey, string(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// expireIdleScript takes one batch of index entries scored before the cutoff
// and, for each, re-reads last_activity from the room hash. Rooms touched since
// get their index score repaired; the rest lose their keys and index entry in
// the same step. KEYS: index zset. ARGV: cutoff (unix ms), key prefix, batch.
var expireIdleScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1])
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local expired = {}
for _, id in ipairs(ids) do
  local meta = ARGV[2] .. id
  local last = tonumber(redis.call('HGET', meta, 'last_activity'))
  if last and last >= cutoff then
    redis.call('ZADD', KEYS[1], last, id)
  else
    redis.call('DEL', meta, meta .. ':members')
    redis.call('ZREM', KEYS[1], id)
    table.insert(expired, id)
  end
end
return {#ids, expired}
`)

const expireBatch = 256

// ExpireIdle deletes rooms idle since before cutoff, including index entries
// whose keys already expired on their own.
func (r *RedisRoomRepository) ExpireIdle(ctx context.Context, cutoff time.Time) ([]domain.RoomID, error) {
	var expired []domain.RoomID
	for {
		res, err := expireIdleScript.Run(ctx, r.client, []string{indexKey},
			cutoff.UnixMilli(), keyPrefix, expireBatch,
		).Slice()
		if err != nil {
			return expired, fmt.Errorf("failed to expire idle rooms: %w", err)
		}
		scanned, ids, err := decodeExpired(res)
		if err != nil {
			return expired, err
		}
		expired = append(expired, ids...)
		if scanned < expireBatch {
			return expired, nil
		}
	}
}

// decodeExpired reads the script reply {scanned, {id...}}.
func decodeExpired(res []interface{}) (int64, []domain.RoomID, error) {
	if len(res) != 2 {
		return 0, nil, fmt.Errorf("unexpected expire reply of length %d", len(res))
	}
	scanned, ok := res[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected expire count %T", res[0])
	}
	raw, _ := res[1].([]interface{})
	ids := make([]domain.RoomID, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			ids = append(ids, domain.RoomID(id))
		}
	}
	return scanned, ids, nil
}

func (r *RedisRoomRepository) Count(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count rooms: %w", err)
	}
	return int(n), nil
}

// decodeRoom turns a script reply {created_at, member...} into a room.
func decodeRoom(id domain.RoomID, res []string, now time.Time) *domain.Room {
	room := &domain.Room{ID: id, LastActivity: now}
	if len(res) == 0 {
		return room
	}
	room.CreatedAt = parseMillis(res[0])
	for _, m := range res[1:] {
		room.Members = append(room.Members, domain.ConnectionID(m))
	}
	return room
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
