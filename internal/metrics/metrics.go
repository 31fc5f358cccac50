// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gateway"

var (
	// ConsumeTotal counts credit consumption attempts by outcome
	// (granted_trial, granted_paid, not_found, expired, exhausted, error).
	ConsumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "consume_total",
		Help:      "Credit consumption attempts by outcome.",
	}, []string{"outcome"})

	// ReconcileTotal counts reconciliation calls by trigger (webhook, poll) and result.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payments",
		Name:      "reconcile_total",
		Help:      "Order reconciliations by trigger and result.",
	}, []string{"trigger", "result"})

	// OrdersCreatedTotal counts invoice creation attempts.
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payments",
		Name:      "orders_created_total",
		Help:      "Orders created by outcome.",
	}, []string{"outcome"})

	// WebhookRequestsTotal counts payment webhook requests by HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payments",
		Name:      "webhook_requests_total",
		Help:      "Payment provider webhook requests by HTTP status.",
	}, []string{"status"})

	// AnswerDuration tracks latency of the answer collaborator.
	AnswerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "answers",
		Name:      "duration_seconds",
		Help:      "Answer collaborator latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})

	// ReapedTotal counts rows removed by the cleanup job.
	ReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reaper",
		Name:      "deleted_total",
		Help:      "Rows deleted by the background sweep.",
	}, []string{"kind"})
)
