package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// Options converts the config into go-redis options. asynq reuses the same
// connection settings through its RedisClientOpt.
func (c RedisConfig) Options() *redis.Options {
	c = c.withDefaults()
	return &redis.Options{
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		DialTimeout:     c.DialTimeout,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		PoolSize:        c.PoolSize,
		MinIdleConns:    c.MinIdleConns,
		PoolTimeout:     c.PoolTimeout,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	cfg = cfg.withDefaults()
	rdb := redis.NewClient(cfg.Options())

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Holders live in a sorted set scored by their expiry (unix ms). Expired
// holders are pruned before every acquire, so a crashed holder frees its slot
// after ttl. The key itself expires once the newest holder would.
var slotAcquireScript = redis.NewScript(`
-- KEYS[1] = holder set
-- ARGV[1] = limit
-- ARGV[2] = ttl_ms
-- ARGV[3] = now_ms
-- ARGV[4] = token
local now = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], now + tonumber(ARGV[2]), ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var slotRefreshScript = redis.NewScript(`
-- KEYS[1] = holder set
-- ARGV[1] = ttl_ms
-- ARGV[2] = now_ms
-- ARGV[3] = token
local now = tonumber(ARGV[2])
local expiry = redis.call('ZSCORE', KEYS[1], ARGV[3])
if not expiry or tonumber(expiry) <= now then
  redis.call('ZREM', KEYS[1], ARGV[3])
  return 0
end
redis.call('ZADD', KEYS[1], now + tonumber(ARGV[1]), ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

var slotReleaseScript = redis.NewScript(`
-- KEYS[1] = holder set
-- ARGV[1] = token
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// Slots is a Redis-backed counting semaphore. With Limit 1 it works as a
// cross-replica lease: only one holder at a time, and the TTL frees the slot
// if the holder crashes.
//
// Each holder owns a random token. Release removes only that token, so a
// holder whose slot already expired cannot free a slot taken over by another
// replica. While held, the slot is refreshed every ttl/3.
type Slots struct {
	rdb    *redis.Client
	prefix string
	limit  int
	ttl    time.Duration
}

func NewSlots(rdb *redis.Client, prefix string, limit int, ttl time.Duration) *Slots {
	return &Slots{rdb: rdb, prefix: prefix, limit: limit, ttl: ttl}
}

// TryAcquire takes a slot for name. The returned release func is nil when the
// slot was not acquired; calling it more than once is safe.
func (s *Slots) TryAcquire(ctx context.Context, name string) (func(context.Context), bool, error) {
	if s == nil || s.rdb == nil {
		return nil, false, errors.New("redis client is nil")
	}
	if name == "" {
		return nil, false, errors.New("slot name is required")
	}
	if s.limit <= 0 {
		return nil, false, errors.New("limit must be > 0")
	}
	if s.ttl < 3*time.Millisecond {
		return nil, false, errors.New("ttl must be >= 3ms")
	}

	key := s.prefix + name
	token := uuid.NewString()
	res, err := slotAcquireScript.Run(ctx, s.rdb, []string{key}, s.limit, s.ttl.Milliseconds(), time.Now().UnixMilli(), token).Int()
	if err != nil {
		return nil, false, err
	}
	if res != 1 {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go s.keepAlive(key, token, stop, done)

	var once sync.Once
	release := func(ctx context.Context) {
		once.Do(func() {
			close(stop)
			<-done
			_ = slotReleaseScript.Run(ctx, s.rdb, []string{key}, token).Err()
		})
	}
	return release, true, nil
}

// keepAlive pushes the holder's expiry forward until stop closes or the slot
// turns out to be lost.
func (s *Slots) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := s.ttl / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		held, err := slotRefreshScript.Run(ctx, s.rdb, []string{key}, s.ttl.Milliseconds(), time.Now().UnixMilli(), token).Int()
		cancel()
		if err == nil && held == 0 {
			return
		}
	}
}
