// Package metrics registers the settlement engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_webhooks_received_total",
			Help: "Inbound provider webhooks by provider, kind and outcome",
		},
		[]string{"provider", "kind", "outcome"},
	)

	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_webhook_duration_seconds",
			Help:    "Time spent reconciling an inbound webhook",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "kind"},
	)

	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_ledger_operations_total",
			Help: "Wallet ledger operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	EscrowOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_escrow_operations_total",
			Help: "Partner wallet operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	RedeemAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_redeem_allocations_total",
			Help: "Redeem code allocation attempts by outcome",
		},
		[]string{"outcome"},
	)

	PayoutTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_payout_transitions_total",
			Help: "Payout status transitions",
		},
		[]string{"status"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_jobs_processed_total",
			Help: "Background jobs by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	EventPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_event_publish_errors_total",
			Help: "Settlement events that could not be published to Kafka",
		},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
