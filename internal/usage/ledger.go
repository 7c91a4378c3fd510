// Package usage tracks per-identity consumption in sliding time windows.
package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RetentionTTL is the fallback expiry refreshed on every write so idle keys
// clean themselves up.
const RetentionTTL = 24 * time.Hour

// sumScript prunes events older than the window start and sums the rest.
// Members are "<amount>:<uuid>"; the uuid suffix keeps equal amounts distinct.
var sumScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. ARGV[1])
local vals = redis.call('ZRANGEBYSCORE', key, ARGV[1], '+inf')
local sum = 0
for i = 1, #vals do
  local amount = tonumber(string.match(vals[i], '^(%-?%d+)'))
  if amount then
    sum = sum + amount
  end
end
return sum
`)

// Ledger is a sorted-set backed event log keyed by scope.
type Ledger struct {
	client redis.Cmdable
	now    func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock overrides the time source used for event scores and window bounds.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger on client.
func NewLedger(client redis.Cmdable, opts ...LedgerOption) *Ledger {
	l := &Ledger{client: client, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Usage returns the sum of amounts recorded under key within the last window.
func (l *Ledger) Usage(ctx context.Context, key string, window time.Duration) (int64, error) {
	windowStart := l.now().Add(-window).UnixMilli()

	sum, err := sumScript.Run(ctx, l.client, []string{key}, strconv.FormatInt(windowStart, 10)).Int64()
	if err != nil {
		return 0, fmt.Errorf("read usage %s: %w", key, err)
	}
	return sum, nil
}

// Record appends an event of amount at the current time.
func (l *Ledger) Record(ctx context.Context, key string, amount int64) error {
	member := strconv.FormatInt(amount, 10) + ":" + uuid.NewString()
	score := float64(l.now().UnixMilli())

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		pipe.Expire(ctx, key, RetentionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record usage %s: %w", key, err)
	}
	return nil
}
