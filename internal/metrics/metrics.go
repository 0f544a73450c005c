// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

var (
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feira_dispatches_total",
			Help: "Dispatch requests by outcome (sent, skipped reason, invalid, record_error)",
		},
		[]string{"outcome"},
	)

	NotificationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feira_notifications_created_total",
			Help: "In-app notification records written",
		},
	)

	PushSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feira_push_sends_total",
			Help: "Per-token push sends by status",
		},
		[]string{"status"},
	)

	PushSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feira_push_send_duration_seconds",
			Help:    "Latency of a single provider send",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	CredentialExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feira_credential_exchanges_total",
			Help: "Service-account token exchanges by status",
		},
		[]string{"status"},
	)

	TokensPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feira_tokens_pruned_total",
			Help: "Device tokens removed after the provider reported them unregistered",
		},
	)

	RealtimePublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feira_realtime_publish_errors_total",
			Help: "Failures publishing new records to the realtime feed",
		},
	)
)
