package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisAllowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// Redis is a fixed-window counter shared by every replica.
type Redis struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedis builds a limiter on client. Keys are stored under prefix.
func NewRedis(client redis.Scripter, prefix string, limit int, window time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if window <= 0 {
		window = time.Second
	}
	return &Redis{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}, nil
}

// Dial opens a client for addr.
func Dial(addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("ratelimit: redis addr is required")
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}), nil
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	if r.limit <= 0 {
		return Decision{Allowed: true, Limit: r.limit, Remaining: r.limit}, nil
	}
	result, err := redisAllowScript.Run(ctx, r.client, []string{r.prefix + key}, r.window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, err
	}
	values, ok := result.([]any)
	if !ok || len(values) < 2 {
		return Decision{}, errors.New("ratelimit: unexpected redis response")
	}
	current, ok := values[0].(int64)
	if !ok {
		return Decision{}, errors.New("ratelimit: invalid redis counter")
	}
	ttlMillis, _ := values[1].(int64)
	resetAt := r.now()
	if ttlMillis > 0 {
		resetAt = resetAt.Add(time.Duration(ttlMillis) * time.Millisecond)
	}
	remaining := r.limit - int(current)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   current <= int64(r.limit),
		Limit:     r.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
