package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Suggestion pipeline ─────────────────────────────────────────────────────

	SuggestionsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hone",
		Subsystem: "broker",
		Name:      "suggestions_served_total",
		Help:      "Suggestions handed to clients, labelled by source and serving stage.",
	}, []string{"source", "stage"})

	SuggestionFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hone",
		Subsystem: "broker",
		Name:      "random_fallbacks_total",
		Help:      "Suggestions replaced by a random point, labelled by reason.",
	}, []string{"reason"})

	SuggestionRaces = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hone",
		Subsystem: "broker",
		Name:      "claim_races_total",
		Help:      "Claims that lost to a concurrent claim of the same suggestion.",
	})

	SamplerTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hone",
		Subsystem: "sampler",
		Name:      "timeouts_total",
		Help:      "Compute or store calls that timed out and degraded to no suggestions.",
	}, []string{"call"})

	ComputeDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hone",
		Subsystem: "compute",
		Name:      "call_duration_seconds",
		Help:      "Compute adapter call latency in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"call"})

	// ─── Queue ───────────────────────────────────────────────────────────────────

	MessagesEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hone",
		Subsystem: "queue",
		Name:      "messages_enqueued_total",
		Help:      "Messages accepted by a queue provider.",
	}, []string{"queue", "message_type"})

	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hone",
		Subsystem: "worker",
		Name:      "messages_processed_total",
		Help:      "Messages processed, labelled by queue, message type and outcome.",
	}, []string{"queue", "message_type", "outcome"})

	MessagesInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hone",
		Subsystem: "worker",
		Name:      "messages_inflight",
		Help:      "Messages currently being handled by this process.",
	}, []string{"queue"})

	MessageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hone",
		Subsystem: "worker",
		Name:      "message_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"queue", "message_type"})

	StaleMarkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hone",
		Subsystem: "tracking",
		Name:      "stale_markers",
		Help:      "In-flight markers older than the stale threshold at the last sweep.",
	}, []string{"queue"})

	RecoveredMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hone",
		Subsystem: "queue",
		Name:      "recovered_messages_total",
		Help:      "In-flight messages returned to their queue after the visibility timeout lapsed.",
	}, []string{"queue"})
)
