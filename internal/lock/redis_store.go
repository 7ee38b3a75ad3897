package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"possync/internal/model"
)

const keyPrefix = "poslock:"

// Lua keeps the whole check-then-set inside Redis so concurrent acquires
// observe a single winner.
const acquireScript = `
local v = redis.call('GET', KEYS[1])
if not v then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return {'created', ARGV[2]}
end
local cur = cjson.decode(v)
if cur.device_id == ARGV[1] then
	cur.renew_count = cur.renew_count + 1
	cur.expires_at = ARGV[4]
	local enc = cjson.encode(cur)
	redis.call('SET', KEYS[1], enc, 'PX', ARGV[3])
	return {'renewed', enc}
end
return {'conflict', v}
`

const renewScript = `
local v = redis.call('GET', KEYS[1])
if not v then
	return {'notfound'}
end
local cur = cjson.decode(v)
if cur.device_id ~= ARGV[1] then
	return {'other'}
end
cur.renew_count = cur.renew_count + 1
cur.expires_at = ARGV[3]
local enc = cjson.encode(cur)
redis.call('SET', KEYS[1], enc, 'PX', ARGV[2])
return {'renewed', enc}
`

const releaseScript = `
local v = redis.call('GET', KEYS[1])
if not v then
	return 'ok'
end
local cur = cjson.decode(v)
if cur.device_id ~= ARGV[1] then
	return 'other'
end
redis.call('DEL', KEYS[1])
return 'ok'
`

// RedisStore lock table shared between hub processes through Redis. Expiry
// rides on the Redis key TTL, so Sweep has nothing to evict.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed lock table.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(key model.LockKey) string {
	return keyPrefix + key.String()
}

func parseRedisKey(raw string) (model.LockKey, bool) {
	parts := strings.SplitN(strings.TrimPrefix(raw, keyPrefix), ":", 3)
	if len(parts) != 3 {
		return model.LockKey{}, false
	}
	return model.LockKey{TenantID: parts[0], StoreID: parts[1], OrderID: parts[2]}, true
}

func decodeLock(raw string) (*model.OrderLock, error) {
	var l model.OrderLock
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return nil, fmt.Errorf("decode lock value: %w", err)
	}
	return &l, nil
}

// Acquire runs the acquire script: create, implicit renew for the same
// device, or conflict with the current holder.
func (s *RedisStore) Acquire(ctx context.Context, req Request, ttl time.Duration) (*model.OrderLock, error) {
	now := time.Now()
	fresh := model.OrderLock{
		DeviceID:   req.DeviceID,
		UserID:     req.UserID,
		UserName:   req.UserName,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		RenewCount: 0,
	}
	encoded, err := json.Marshal(fresh)
	if err != nil {
		return nil, err
	}

	res, err := s.client.Eval(ctx, acquireScript, []string{redisKey(req.Key())},
		req.DeviceID, string(encoded), ttl.Milliseconds(), fresh.ExpiresAt.Format(time.RFC3339Nano)).Result()
	if err != nil {
		return nil, err
	}

	status, raw, err := splitScriptResult(res)
	if err != nil {
		return nil, err
	}
	switch status {
	case "created", "renewed":
		return decodeLock(raw)
	case "conflict":
		holder, err := decodeLock(raw)
		if err != nil {
			return nil, err
		}
		return nil, &ConflictError{Holder: *holder}
	default:
		return nil, fmt.Errorf("unexpected acquire result %q", status)
	}
}

// Renew extends the lock if the requesting device holds it.
func (s *RedisStore) Renew(ctx context.Context, req Request, ttl time.Duration) (*model.OrderLock, error) {
	expiresAt := time.Now().Add(ttl)
	res, err := s.client.Eval(ctx, renewScript, []string{redisKey(req.Key())},
		req.DeviceID, ttl.Milliseconds(), expiresAt.Format(time.RFC3339Nano)).Result()
	if err != nil {
		return nil, err
	}

	status, raw, err := splitScriptResult(res)
	if err != nil {
		return nil, err
	}
	switch status {
	case "renewed":
		return decodeLock(raw)
	case "notfound":
		return nil, ErrLockNotFound
	case "other":
		return nil, ErrLockOwnedByAnotherDevice
	default:
		return nil, fmt.Errorf("unexpected renew result %q", status)
	}
}

// Release removes the lock when held by the requester; absent locks are a
// successful no-op.
func (s *RedisStore) Release(ctx context.Context, req Request) error {
	res, err := s.client.Eval(ctx, releaseScript, []string{redisKey(req.Key())}, req.DeviceID).Result()
	if err != nil {
		return err
	}
	if status, _ := res.(string); status == "other" {
		return ErrLockOwnedByAnotherDevice
	}
	return nil
}

// ForceRelease deletes the lock unconditionally.
func (s *RedisStore) ForceRelease(ctx context.Context, key model.LockKey) error {
	return s.client.Del(ctx, redisKey(key)).Err()
}

// ReleaseDevice scans the lock keyspace and removes this device's locks.
func (s *RedisStore) ReleaseDevice(ctx context.Context, deviceID string) ([]model.LockKey, error) {
	var released []model.LockKey

	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw := iter.Val()
		val, err := s.client.Get(ctx, raw).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return released, err
		}
		l, err := decodeLock(val)
		if err != nil || l.DeviceID != deviceID {
			continue
		}
		if err := s.client.Del(ctx, raw).Err(); err != nil {
			return released, err
		}
		if key, ok := parseRedisKey(raw); ok {
			released = append(released, key)
		}
	}
	return released, iter.Err()
}

// Get returns the lock if present; Redis TTL evicts expired entries.
func (s *RedisStore) Get(ctx context.Context, key model.LockKey) (*model.OrderLock, error) {
	val, err := s.client.Get(ctx, redisKey(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrLockNotFound
		}
		return nil, err
	}
	l, err := decodeLock(val)
	if err != nil {
		return nil, err
	}
	if l.Expired(time.Now()) {
		s.client.Del(ctx, redisKey(key))
		return nil, ErrLockNotFound
	}
	return l, nil
}

// Sweep is a no-op: the Redis key TTL already evicts expired locks.
func (s *RedisStore) Sweep(ctx context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// Count counts live lock keys.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func splitScriptResult(res interface{}) (string, string, error) {
	parts, ok := res.([]interface{})
	if !ok || len(parts) == 0 {
		return "", "", fmt.Errorf("unexpected script result %T", res)
	}
	status, ok := parts[0].(string)
	if !ok {
		return "", "", fmt.Errorf("unexpected script status %T", parts[0])
	}
	raw := ""
	if len(parts) > 1 {
		raw, _ = parts[1].(string)
	}
	return status, raw, nil
}
