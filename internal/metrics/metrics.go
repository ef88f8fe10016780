package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_api_requests_total",
			Help: "Total backend API calls",
		},
		[]string{"op", "outcome"}, // outcome: ok, network, permission, not_found
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_api_request_duration_seconds",
			Help:    "Backend API call latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15},
		},
		[]string{"op"},
	)

	// Realtime metrics
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_realtime_subscriptions_active",
			Help: "Live logical channel subscriptions",
		},
	)

	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_realtime_events_total",
			Help: "Realtime events received by outcome",
		},
		[]string{"channel", "event", "outcome"}, // outcome: applied, stale, foreign, invalid
	)

	SubscribeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_realtime_subscribe_errors_total",
			Help: "Failed channel subscriptions",
		},
	)

	// Sync metrics
	StaleResultsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_stale_results_discarded_total",
			Help: "Fetch results dropped because the conversation or identity changed",
		},
		[]string{"op"},
	)

	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_mutations_total",
			Help: "Mutation pipeline operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	IdentityRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_identity_rejections_total",
			Help: "Conversations closed because the acting identity is not a participant",
		},
	)
)
