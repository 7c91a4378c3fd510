package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatd/internal/lock"
	"github.com/ashureev/chatd/internal/metrics"
	"github.com/ashureev/chatd/internal/shared"
	"github.com/ashureev/chatd/internal/store"
)

const sweepLockKey = "lock:placeholder-sweep"

// Locker runs work under a named lease.
type Locker interface {
	WithLock(ctx context.Context, key string, opts lock.Options, fn func(ctx context.Context) error) error
}

// Sweeper deletes assistant placeholders left pending by abandoned streams.
type Sweeper struct {
	repo     store.Repository
	locker   Locker
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper removing placeholders older than ttl every interval.
func NewSweeper(repo store.Repository, locker Locker, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:     repo,
		locker:   locker,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("placeholder sweeper started", "interval", s.interval, "ttl", s.ttl)

	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("placeholder sweep failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Info("placeholder sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// SweepOnce performs one sweep under the sweep lease. A lease held by another
// replica is not an error; the sweep is skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.locker.WithLock(ctx, sweepLockKey, lock.Options{MaxWait: time.Second}, func(ctx context.Context) error {
		n, err := deleteStaleWithRetry(ctx, s.repo, s.now().Add(-s.ttl), s.logger)
		deleted = n
		return err
	})
	if errors.Is(err, lock.ErrTimeout) {
		s.logger.Debug("placeholder sweep skipped, another sweeper holds the lease")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		metrics.PlaceholdersSwept.Add(float64(deleted))
		s.logger.Info("placeholder sweep completed", "deleted", deleted)
	}
	return deleted, nil
}

// deleteStaleWithRetry retries SQLITE_BUSY failures with exponential backoff.
func deleteStaleWithRetry(ctx context.Context, repo store.Repository, cutoff time.Time, logger *slog.Logger) (int64, error) {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		n, err := repo.DeleteStalePending(ctx, cutoff)
		if err == nil {
			return n, nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
			logger.Debug("placeholder sweep: database locked, retrying", "attempt", i+1, "delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		return 0, fmt.Errorf("delete stale placeholders after %d attempts: %w", i+1, err)
	}
	return 0, nil
}
