package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConversionsTotal counts conversion requests by outcome.
	ConversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragconvert",
		Subsystem: "gateway",
		Name:      "conversions_total",
		Help:      "Total conversion requests by outcome.",
	}, []string{"outcome"})

	// ConversionDuration tracks end-to-end conversion latency.
	ConversionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ragconvert",
		Subsystem: "gateway",
		Name:      "conversion_duration_seconds",
		Help:      "Conversion request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// QuotaDenialsTotal counts reservations rejected at the limit.
	QuotaDenialsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ragconvert",
		Subsystem: "quota",
		Name:      "denials_total",
		Help:      "Total quota reservations denied because the limit was reached.",
	})

	// QuotaReleasesTotal counts compensating releases after failed conversions.
	QuotaReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ragconvert",
		Subsystem: "quota",
		Name:      "releases_total",
		Help:      "Total quota reservations released after downstream failure.",
	})

	// WebhookRequestsTotal counts payment webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragconvert",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks payment webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ragconvert",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookReplaysTotal counts idempotent replays of already-applied events.
	WebhookReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ragconvert",
		Subsystem: "webhook",
		Name:      "replays_total",
		Help:      "Total webhook deliveries short-circuited as idempotent replays.",
	})

	// StaleEventsTotal counts provider events older than the applied state.
	StaleEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ragconvert",
		Subsystem: "billing",
		Name:      "stale_events_total",
		Help:      "Total provider events discarded as stale.",
	})

	// SweeperTransitionsTotal counts subscriptions expired by the local sweep.
	SweeperTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragconvert",
		Subsystem: "billing",
		Name:      "sweeper_transitions_total",
		Help:      "Total subscriptions terminalized by the reconciliation sweep.",
	}, []string{"from"})
)
