// Package metrics declares the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatd"

var (
	// GrantVerifications counts grant checks by result (valid, invalid).
	GrantVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "grant_verifications_total",
		Help:      "Capability grant verifications by result.",
	}, []string{"result"})

	// GrantsIssued counts freshly minted grants.
	GrantsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "grants_issued_total",
		Help:      "Capability grants issued.",
	})

	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_wait_seconds",
		Help:      "Time spent acquiring coordination locks.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_timeouts_total",
		Help:      "Coordination lock acquisitions that gave up.",
	})

	// UsageRejections counts turns refused because the usage ceiling was reached.
	UsageRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_rejections_total",
		Help:      "Chat turns rejected by the AI usage ledger.",
	})

	UsageRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_recorded_total",
		Help:      "Usage ledger writes by result.",
	}, []string{"result"})

	// StreamOutcomes counts chat turns by terminal state.
	StreamOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_outcomes_total",
		Help:      "Chat turns by terminal outcome.",
	}, []string{"outcome"})

	StreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stream_duration_seconds",
		Help:      "Wall time of model streams.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	// ToolCalls counts model tool invocations by tool and result.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Model tool invocations by tool and result.",
	}, []string{"tool", "result"})

	PlaceholdersSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "placeholders_swept_total",
		Help:      "Stale pending placeholders deleted by the sweeper.",
	})

	TitlesGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "titles_generated_total",
		Help:      "Conversation title generation attempts by result.",
	}, []string{"result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method and status code.",
	}, []string{"method", "code"})

	HTTPRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_rate_limited_total",
		Help:      "Requests rejected by the per-IP limiter.",
	})
)
