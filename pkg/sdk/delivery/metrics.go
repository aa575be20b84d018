package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery counters, shared by every scheduler in the process.
var (
	// RequestsTotal counts finished delivery attempts by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinycount",
			Subsystem: "delivery",
			Name:      "requests_total",
			Help:      "Stored requests handled by the delivery worker, by outcome",
		},
		[]string{"outcome"},
	)

	// DeferredTotal counts merge requests held back for the grace period.
	DeferredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinycount",
			Subsystem: "delivery",
			Name:      "deferred_total",
			Help:      "Device id merge requests deferred for the grace period",
		},
	)

	// RunsTotal counts worker runs started by the scheduler.
	RunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinycount",
			Subsystem: "delivery",
			Name:      "runs_total",
			Help:      "Delivery worker runs started",
		},
	)
)

// Outcome labels
const (
	outcomeSent     = "sent"
	outcomeRejected = "rejected"
	outcomeRetried  = "retried"
	outcomeSkipped  = "skipped_crawler"
)
