// Package metrics holds the Prometheus collectors shared by the HTTP layer,
// the services and the outbox relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuseats_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campuseats_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuseats_order_transitions_total",
		Help: "Committed order status changes",
	}, []string{"status"})

	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuseats_ledger_entries_total",
		Help: "Ledger entries written, by kind",
	}, []string{"kind"})

	LedgerVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuseats_ledger_volume_credits",
		Help: "Absolute credit volume moved, by entry kind",
	}, []string{"kind"})

	CallResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuseats_call_responses_total",
		Help: "IVR call state changes, by response type",
	}, []string{"response"})

	CallCost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campuseats_call_cost_total",
		Help: "Accumulated telephony cost reported by status callbacks",
	})

	OutboxDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuseats_outbox_dispatch_total",
		Help: "Outbox dispatch attempts, by event kind and outcome",
	}, []string{"kind", "outcome"})
)
