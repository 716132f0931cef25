// Package cache is a read-through cache over Redis with protection against
// penetration (null markers) and breakdown (logical expiry or a rebuild mutex).
package cache

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/voucher-seckill/internal/port"
	"github.com/rl1809/voucher-seckill/internal/telemetry"
)

// Each representation of a logical key lives under its own prefix so a
// wrapped entry is never decoded as a plain payload.
const (
	valuePrefix   = "cache:value:"
	nullPrefix    = "cache:null:"
	logicalPrefix = "cache:logical:"
	rebuildPrefix = "cache:rebuild:"
)

// ErrRebuildContention is returned by Mutex when the rebuild lock stayed
// busy for every retry.
var ErrRebuildContention = errors.New("cache rebuild lock contended")

var errLockBusy = errors.New("rebuild lock busy")

// Loader reads the source of truth. found=false means the entity does not exist.
type Loader[T any] func(ctx context.Context) (value T, found bool, err error)

type Options struct {
	NullTTL        time.Duration
	LockTTL        time.Duration
	MutexRetries   int
	MutexInterval  time.Duration
	Jitter         time.Duration
	RebuildWorkers int
	Now            func() time.Time
}

func DefaultOptions() Options {
	return Options{
		NullTTL:        2 * time.Minute,
		LockTTL:        10 * time.Second,
		MutexRetries:   50,
		MutexInterval:  50 * time.Millisecond,
		Jitter:         time.Minute,
		RebuildWorkers: 10,
	}
}

type Client struct {
	rdb    redis.UniversalClient
	locker port.Locker
	log    *logrus.Logger
	opts   Options

	group   singleflight.Group
	rebuild chan struct{}
	wg      sync.WaitGroup
}

func NewClient(rdb redis.UniversalClient, locker port.Locker, log *logrus.Logger, opts Options) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RebuildWorkers <= 0 {
		opts.RebuildWorkers = 1
	}
	return &Client{
		rdb:     rdb,
		locker:  locker,
		log:     log,
		opts:    opts,
		rebuild: make(chan struct{}, opts.RebuildWorkers),
	}
}

type lookup int

const (
	lookupMiss lookup = iota
	lookupNull
	lookupHit
)

type logicalEntry struct {
	Data     json.RawMessage `json:"data"`
	ExpireAt int64           `json:"expireAt"`
}

// Write stores value under key with a hard TTL plus jitter and clears any
// null marker for the key.
func (c *Client) Write(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return c.writeRaw(ctx, key, raw, ttl)
}

func (c *Client) writeRaw(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	if c.opts.Jitter > 0 {
		ttl += rand.N(c.opts.Jitter)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, valuePrefix+key, raw, ttl)
	pipe.Del(ctx, nullPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "write %s", key)
	}
	return nil
}

func (c *Client) writeNull(ctx context.Context, key string) error {
	err := c.rdb.Set(ctx, nullPrefix+key, "", c.opts.NullTTL).Err()
	return errors.Wrapf(err, "write null marker %s", key)
}

// WriteWithLogicalExpiry stores value wrapped with an absolute expiry and no
// Redis TTL. Readers through LogicalExpiry rebuild it once the expiry passes.
func (c *Client) WriteWithLogicalExpiry(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	raw, err := json.Marshal(logicalEntry{Data: data, ExpireAt: c.opts.Now().Add(ttl).UnixMilli()})
	if err != nil {
		return errors.Wrapf(err, "wrap %s", key)
	}
	if err := c.rdb.Set(ctx, logicalPrefix+key, raw, 0).Err(); err != nil {
		return errors.Wrapf(err, "write logical %s", key)
	}
	return nil
}

// Invalidate removes every cached representation of key.
func (c *Client) Invalidate(ctx context.Context, key string) error {
	err := c.rdb.Del(ctx, valuePrefix+key, nullPrefix+key, logicalPrefix+key).Err()
	return errors.Wrapf(err, "invalidate %s", key)
}

// Wait blocks until all in-flight logical expiry rebuilds have finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) read(ctx context.Context, key string) (lookup, []byte, error) {
	vals, err := c.rdb.MGet(ctx, valuePrefix+key, nullPrefix+key).Result()
	if err != nil {
		return lookupMiss, nil, errors.Wrapf(err, "read %s", key)
	}
	if s, ok := vals[0].(string); ok {
		return lookupHit, []byte(s), nil
	}
	if vals[1] != nil {
		return lookupNull, nil, nil
	}
	return lookupMiss, nil, nil
}

// PassThrough reads key, falling back to load on a miss. Absent entities are
// remembered with a short-lived null marker so repeated lookups do not reach
// the loader.
func PassThrough[T any](ctx context.Context, c *Client, key string, ttl time.Duration, load Loader[T]) (T, bool, error) {
	var zero T

	state, raw, err := c.read(ctx, key)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache read failed, reading through")
		return load(ctx)
	}
	switch state {
	case lookupHit:
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			telemetry.CacheLookups.WithLabelValues("passthrough", "hit").Inc()
			return v, true, nil
		}
		c.log.WithField("key", key).Warn("undecodable cache entry, reloading")
	case lookupNull:
		telemetry.CacheLookups.WithLabelValues("passthrough", "null").Inc()
		return zero, false, nil
	}
	telemetry.CacheLookups.WithLabelValues("passthrough", "miss").Inc()

	v, found, err := load(ctx)
	if err != nil {
		return zero, false, err
	}
	if !found {
		if err := c.writeNull(ctx, key); err != nil {
			c.log.WithError(err).Warn("null marker not written")
		}
		return zero, false, nil
	}
	if err := c.Write(ctx, key, v, ttl); err != nil {
		c.log.WithError(err).Warn("cache fill failed")
	}
	return v, true, nil
}

// LogicalExpiry serves pre-warmed entries. A miss returns absent without
// calling load. An expired entry is returned as is while at most one
// background rebuild per key refreshes it.
func LogicalExpiry[T any](ctx context.Context, c *Client, key string, ttl time.Duration, load Loader[T]) (T, bool, error) {
	var zero T

	raw, err := c.rdb.Get(ctx, logicalPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		telemetry.CacheLookups.WithLabelValues("logical", "miss").Inc()
		return zero, false, nil
	}
	if err != nil {
		return zero, false, errors.Wrapf(err, "read logical %s", key)
	}

	var entry logicalEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return zero, false, errors.Wrapf(err, "decode logical %s", key)
	}
	var v T
	if err := json.Unmarshal(entry.Data, &v); err != nil {
		return zero, false, errors.Wrapf(err, "decode logical payload %s", key)
	}

	if c.opts.Now().UnixMilli() < entry.ExpireAt {
		telemetry.CacheLookups.WithLabelValues("logical", "hit").Inc()
		return v, true, nil
	}

	telemetry.CacheLookups.WithLabelValues("logical", "stale").Inc()
	c.rebuildAsync(ctx, key, ttl, func(ctx context.Context) (interface{}, bool, error) {
		return load(ctx)
	})
	return v, true, nil
}

func (c *Client) rebuildAsync(ctx context.Context, key string, ttl time.Duration, load Loader[interface{}]) {
	bg := context.WithoutCancel(ctx)
	name := rebuildPrefix + key

	token, ok, err := c.locker.TryAcquire(bg, name, c.opts.LockTTL)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("rebuild lock failed")
		return
	}
	if !ok {
		return
	}

	select {
	case c.rebuild <- struct{}{}:
	default:
		c.release(bg, name, token)
		telemetry.CacheRebuilds.WithLabelValues("saturated").Inc()
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.rebuild }()
		defer c.release(bg, name, token)

		rctx, cancel := context.WithTimeout(bg, c.opts.LockTTL)
		defer cancel()

		// Another rebuild may have finished between our read and the lock.
		if raw, err := c.rdb.Get(rctx, logicalPrefix+key).Bytes(); err == nil {
			var entry logicalEntry
			if json.Unmarshal(raw, &entry) == nil && c.opts.Now().UnixMilli() < entry.ExpireAt {
				return
			}
		}

		v, found, err := load(rctx)
		if err != nil {
			telemetry.CacheRebuilds.WithLabelValues("error").Inc()
			c.log.WithError(err).WithField("key", key).Error("cache rebuild failed")
			return
		}
		if !found {
			c.rdb.Del(rctx, logicalPrefix+key)
			telemetry.CacheRebuilds.WithLabelValues("gone").Inc()
			return
		}
		if err := c.WriteWithLogicalExpiry(rctx, key, v, ttl); err != nil {
			telemetry.CacheRebuilds.WithLabelValues("error").Inc()
			c.log.WithError(err).WithField("key", key).Error("cache rebuild write failed")
			return
		}
		telemetry.CacheRebuilds.WithLabelValues("ok").Inc()
	}()
}

type mutexResult struct {
	raw   []byte
	found bool
}

// Mutex reads key and, on a miss, lets a single holder of the rebuild lock
// call load while everyone else waits and re-reads. It gives up with
// ErrRebuildContention after MutexRetries busy attempts.
func Mutex[T any](ctx context.Context, c *Client, key string, ttl time.Duration, load Loader[T]) (T, bool, error) {
	var zero T

	for attempt := 0; ; attempt++ {
		state, raw, err := c.read(ctx, key)
		if err != nil {
			return zero, false, err
		}

		var res mutexResult
		switch state {
		case lookupHit:
			telemetry.CacheLookups.WithLabelValues("mutex", "hit").Inc()
			res = mutexResult{raw: raw, found: true}
		case lookupNull:
			telemetry.CacheLookups.WithLabelValues("mutex", "null").Inc()
			return zero, false, nil
		default:
			// The flight is shared, so it must not die with the caller that started it.
			shared, err, _ := c.group.Do(key, func() (interface{}, error) {
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LockTTL)
				defer cancel()
				return c.rebuildLocked(fctx, key, ttl, func(ctx context.Context) (interface{}, bool, error) {
					return load(ctx)
				})
			})
			if errors.Is(err, errLockBusy) {
				if attempt+1 >= c.opts.MutexRetries {
					telemetry.CacheLookups.WithLabelValues("mutex", "contended").Inc()
					return zero, false, errors.Wrapf(ErrRebuildContention, "key %s", key)
				}
				select {
				case <-ctx.Done():
					return zero, false, ctx.Err()
				case <-time.After(c.opts.MutexInterval):
				}
				continue
			}
			if err != nil {
				return zero, false, err
			}
			telemetry.CacheLookups.WithLabelValues("mutex", "miss").Inc()
			res = shared.(mutexResult)
		}

		if !res.found {
			return zero, false, nil
		}
		var v T
		if err := json.Unmarshal(res.raw, &v); err != nil {
			return zero, false, errors.Wrapf(err, "decode %s", key)
		}
		return v, true, nil
	}
}

func (c *Client) rebuildLocked(ctx context.Context, key string, ttl time.Duration, load Loader[interface{}]) (mutexResult, error) {
	name := rebuildPrefix + key
	token, ok, err := c.locker.TryAcquire(ctx, name, c.opts.LockTTL)
	if err != nil {
		return mutexResult{}, err
	}
	if !ok {
		return mutexResult{}, errLockBusy
	}
	defer c.release(context.WithoutCancel(ctx), name, token)

	state, raw, err := c.read(ctx, key)
	if err != nil {
		return mutexResult{}, err
	}
	switch state {
	case lookupHit:
		return mutexResult{raw: raw, found: true}, nil
	case lookupNull:
		return mutexResult{}, nil
	}

	v, found, err := load(ctx)
	if err != nil {
		return mutexResult{}, err
	}
	if !found {
		if err := c.writeNull(ctx, key); err != nil {
			c.log.WithError(err).Warn("null marker not written")
		}
		return mutexResult{}, nil
	}

	raw, err = json.Marshal(v)
	if err != nil {
		return mutexResult{}, errors.Wrapf(err, "encode %s", key)
	}
	if err := c.writeRaw(ctx, key, raw, ttl); err != nil {
		c.log.WithError(err).Warn("cache fill failed")
	}
	return mutexResult{raw: raw, found: true}, nil
}

func (c *Client) release(ctx context.Context, name, token string) {
	if _, err := c.locker.Release(ctx, name, token); err != nil {
		c.log.WithError(err).WithField("lock", name).Warn("rebuild lock release failed")
	}
}
