// Package redisstore wraps the Redis operations used by the view counters and
// the reconciler.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/qna-reconciler/internal/batch"
	"github.com/mohammed-shakir/qna-reconciler/internal/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

// delIfEquals removes KEYS[1] only while it still holds ARGV[1].
var delIfEquals = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// incrIfExists increments KEYS[1] only when it exists, so a key deleted by the
// reconciler is never recreated without its baseline and TTL.
var incrIfExists = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return redis.call("INCR", KEYS[1])
end
return false
`)

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// wrap marks connectivity failures transient. redis.Nil never reaches here.
func wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf(format+": %w", append(args, err)...)
	if errors.Is(err, context.Canceled) {
		return err
	}
	return batch.Transient(err)
}

func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	return wrap(err, "redis ping")
}

// Get returns the integer stored at key; ok is false when the key is absent.
// A value that is not an integer is reported as a data error.
func (c *Client) Get(ctx context.Context, key string) (int64, bool, error) {
	start := time.Now()
	v, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
		return 0, false, nil
	}
	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
		return 0, false, batch.DataErr(fmt.Errorf("redis GET %q: %w", key, err))
	}
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return 0, false, wrap(err, "redis GET %q", key)
	}
	return v, true, nil
}

func (c *Client) SetWithTTL(ctx context.Context, key string, val int64, ttl time.Duration) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, ttl).Err()
	observability.ObserveCacheOp("set", err, time.Since(start).Seconds())
	return wrap(err, "redis SET %q", key)
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	v, err := c.rdb.Incr(ctx, key).Result()
	observability.ObserveCacheOp("incr", err, time.Since(start).Seconds())
	if err != nil {
		return 0, wrap(err, "redis INCR %q", key)
	}
	return v, nil
}

// IncrIfExists increments key and returns the new value. ok is false when the
// key does not exist; nothing is written then.
func (c *Client) IncrIfExists(ctx context.Context, key string) (int64, bool, error) {
	start := time.Now()
	v, err := incrIfExists.Run(ctx, c.rdb, []string{key}).Int64()
	if errors.Is(err, redis.Nil) {
		observability.ObserveCacheOp("incr_if_exists", nil, time.Since(start).Seconds())
		return 0, false, nil
	}
	observability.ObserveCacheOp("incr_if_exists", err, time.Since(start).Seconds())
	if err != nil {
		return 0, false, wrap(err, "redis INCR-IF-EXISTS %q", key)
	}
	return v, true, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	n, err := c.rdb.Exists(ctx, key).Result()
	observability.ObserveCacheOp("exists", err, time.Since(start).Seconds())
	if err != nil {
		return false, wrap(err, "redis EXISTS %q", key)
	}
	return n > 0, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	err := c.rdb.Del(ctx, keys...).Err()
	observability.ObserveCacheOp("del", err, time.Since(start).Seconds())
	return wrap(err, "redis DEL %d keys", len(keys))
}

// DelIfEquals deletes key when its current value is still expected and
// reports whether it did.
func (c *Client) DelIfEquals(ctx context.Context, key, expected string) (bool, error) {
	start := time.Now()
	n, err := delIfEquals.Run(ctx, c.rdb, []string{key}, expected).Int64()
	observability.ObserveCacheOp("del_if_equals", err, time.Since(start).Seconds())
	if err != nil {
		return false, wrap(err, "redis DEL-IF-EQUALS %q", key)
	}
	return n > 0, nil
}

// Scan runs one SCAN step. A returned cursor of 0 means the iteration is done.
func (c *Client) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	start := time.Now()
	keys, next, err := c.rdb.Scan(ctx, cursor, match, count).Result()
	observability.ObserveCacheOp("scan", err, time.Since(start).Seconds())
	if err != nil {
		return nil, 0, wrap(err, "redis SCAN cursor=%d", cursor)
	}
	return keys, next, nil
}

// MGet returns a map of found keys to their raw values.
func (c *Client) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	start := time.Now()
	if len(keys) == 0 {
		observability.ObserveCacheOp("mget", nil, time.Since(start).Seconds())
		return map[string]string{}, nil
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	observability.ObserveCacheOp("mget", err, time.Since(start).Seconds())
	if err != nil {
		return nil, wrap(err, "redis MGET %d keys", len(keys))
	}

	out := make(map[string]string, len(vals))
	for i, v := range vals {
		switch t := v.(type) {
		case nil:
			continue // missing key
		case string:
			out[keys[i]] = t
		case []byte:
			out[keys[i]] = string(t)
		default:
			out[keys[i]] = fmt.Sprint(t)
		}
	}
	return out, nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
