package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatd/internal/metrics"
)

const recordTimeout = 5 * time.Second

// Policy enforces the per-address AI token ceiling.
type Policy struct {
	ledger    *Ledger
	maxTokens int64
	window    time.Duration
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewPolicy creates a Policy allowing maxTokens per window.
func NewPolicy(ledger *Ledger, maxTokens int64, window time.Duration, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{ledger: ledger, maxTokens: maxTokens, window: window, logger: logger}
}

func aiKey(address string) string {
	return "ai:" + address
}

// Available reports whether address is still under its ceiling.
func (p *Policy) Available(ctx context.Context, address string) (bool, error) {
	used, err := p.ledger.Usage(ctx, aiKey(address), p.window)
	if err != nil {
		return false, err
	}
	if used >= p.maxTokens {
		metrics.UsageRejections.Inc()
		p.logger.Info("ai usage ceiling reached", "address", address, "used", used, "max", p.maxTokens)
		return false, nil
	}
	return true, nil
}

// RecordAsync records tokens for address in the background. It makes a
// single attempt and only logs failures. Wait drains pending writes.
func (p *Policy) RecordAsync(address string, tokens int64) {
	if tokens <= 0 {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		if err := p.ledger.Record(ctx, aiKey(address), tokens); err != nil {
			metrics.UsageRecorded.WithLabelValues("error").Inc()
			p.logger.Error("failed to record ai usage", "address", address, "tokens", tokens, "error", err)
			return
		}
		metrics.UsageRecorded.WithLabelValues("ok").Inc()
	}()
}

// Wait blocks until all background writes have finished.
func (p *Policy) Wait() {
	p.wg.Wait()
}
