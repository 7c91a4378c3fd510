// Package lock implements a leased mutual-exclusion lock over redis.
//
// A holder writes a random token with SET NX PX, renews the lease on a
// heartbeat while its work runs, and releases with a compare-and-delete so a
// holder whose lease already expired never removes someone else's.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/chatd/internal/metrics"
)

// ErrTimeout is returned when the lease cannot be acquired within MaxWait.
var ErrTimeout = errors.New("lock acquisition timed out")

const (
	DefaultTTL      = 10 * time.Second
	DefaultMaxWait  = 60 * time.Second
	DefaultRetryMin = 20 * time.Millisecond
	DefaultRetryMax = 60 * time.Millisecond
)

// minHeartbeat floors the renewal period. Tests lower it.
var minHeartbeat = time.Second

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

var heartbeatScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
else
  return 0
end
`)

// Options tunes a single lock acquisition. Zero fields take the defaults.
type Options struct {
	TTL      time.Duration
	MaxWait  time.Duration
	RetryMin time.Duration
	RetryMax time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.RetryMin <= 0 {
		o.RetryMin = DefaultRetryMin
	}
	if o.RetryMax <= o.RetryMin {
		o.RetryMax = o.RetryMin + DefaultRetryMax - DefaultRetryMin
	}
	return o
}

// Locker acquires leases on a redis client.
type Locker struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a Locker.
func New(client redis.Cmdable, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{client: client, logger: logger}
}

// WithLock runs fn while holding the lease on key. The lease is renewed every
// max(1s, TTL/3) until fn returns and is always released afterwards.
func (l *Locker) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	opts = opts.withDefaults()
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token, opts); err != nil {
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.heartbeat(hbCtx, key, token, opts.TTL)
	}()

	defer func() {
		stopHeartbeat()
		<-done

		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("lock release failed", "key", key, "error", err)
		}
	}()

	return fn(ctx)
}

func (l *Locker) acquire(ctx context.Context, key, token string, opts Options) error {
	start := time.Now()
	for {
		ok, err := l.client.SetNX(ctx, key, token, opts.TTL).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
			return nil
		}

		if time.Since(start) >= opts.MaxWait {
			metrics.LockTimeouts.Inc()
			return fmt.Errorf("%w: %s", ErrTimeout, key)
		}

		delay := opts.RetryMin + rand.N(opts.RetryMax-opts.RetryMin)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Locker) heartbeat(ctx context.Context, key, token string, ttl time.Duration) {
	ticker := time.NewTicker(max(minHeartbeat, ttl/3))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := heartbeatScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Err()
			if err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Debug("lock heartbeat failed", "key", key, "error", err)
			}
		}
	}
}
