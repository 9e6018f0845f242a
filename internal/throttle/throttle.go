package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionThrottle enforces the per-session daily message cap. The counter is
// shared state scoped to a session, so the check-and-increment must be atomic:
// a plain GET → check → INCR would race the scheduler promoting a new campaign
// on the session the moment the cap frees up. A Lua script keeps it atomic.
type SessionThrottle struct {
	redis  *redis.Client
	script *redis.Script
	window time.Duration
}

// The window starts at the first send and expires 24h later; a denial reports
// how long until the counter resets.
const allowLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local windowSec = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current >= limit then
    local ttl = redis.call("PTTL", key)
    if ttl < 0 then
        ttl = windowSec * 1000
    end
    return {0, ttl}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, windowSec)
end
return {1, 0}
`

func NewSessionThrottle(client *redis.Client) *SessionThrottle {
	return &SessionThrottle{
		redis:  client,
		script: redis.NewScript(allowLuaScript),
		window: 24 * time.Hour,
	}
}

func key(sessionName string) string {
	return "wacampaign:daily:" + sessionName
}

// Allow reserves one message against the session's daily cap. limit <= 0 means
// unlimited. When denied, retryAfter says how long until the window resets.
func (t *SessionThrottle) Allow(ctx context.Context, sessionName string, limit int) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}

	res, err := t.script.Run(ctx, t.redis, []string{key(sessionName)},
		limit, int(t.window.Seconds())).Result()
	if err != nil {
		return false, 0, fmt.Errorf("session throttle: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("session throttle: unexpected script reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	ttlMillis, _ := vals[1].(int64)

	if allowed == 1 {
		return true, 0, nil
	}
	return false, time.Duration(ttlMillis) * time.Millisecond, nil
}

// Sent returns the current counter value, for reporting.
func (t *SessionThrottle) Sent(ctx context.Context, sessionName string) (int, error) {
	n, err := t.redis.Get(ctx, key(sessionName)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// NewRedisClient connects and pings, failing fast on a bad address.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("invalid REDIS_ADDR: %q", addr)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
