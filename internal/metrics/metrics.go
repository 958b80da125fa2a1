package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingress and evaluation
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_events_total",
			Help: "Total number of events by processing status",
		},
		[]string{"status"},
	)

	RuleMatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_rule_matches_total",
			Help: "Total number of rule matches",
		},
	)

	// Dispatch outcomes, one per (rule, recipient) pair
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_dispatch_total",
			Help: "Total number of recorded notification outcomes by status",
		},
		[]string{"status"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifier_delivery_duration_seconds",
			Help:    "Duration of delivery sender calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel", "status"},
	)

	DigestEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_digest_entries_total",
			Help: "Total number of digest entries by operation",
		},
		[]string{"op"},
	)

	DedupSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_dedup_suppressed_total",
			Help: "Total number of dispatches suppressed as duplicates",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifier_queue_depth",
			Help: "Current number of events waiting for a worker",
		},
	)
)

// Event status labels.
const (
	EventAccepted  = "accepted"
	EventProcessed = "processed"
	EventRejected  = "rejected"
	EventDropped   = "dropped"
)

// Digest operation labels.
const (
	DigestEnqueued  = "enqueued"
	DigestDelivered = "delivered"
	DigestRequeued  = "requeued"
)

// ObserveDelivery records one sender call.
// Params: channel name (may be empty), success flag and start time.
// Returns: nothing.
func ObserveDelivery(channel string, success bool, started time.Time) {
	if channel == "" {
		channel = "none"
	}
	status := "success"
	if !success {
		status = "failure"
	}
	DeliveryDuration.WithLabelValues(channel, status).Observe(time.Since(started).Seconds())
}
