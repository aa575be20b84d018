package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	received = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinycount",
		Subsystem: "collector",
		Name:      "requests_received_total",
		Help:      "Accepted SDK requests by kind.",
	}, []string{"kind"})

	rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinycount",
		Subsystem: "collector",
		Name:      "requests_rejected_total",
		Help:      "SDK requests answered with an error, by reason.",
	}, []string{"reason"})

	duplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tinycount",
		Subsystem: "collector",
		Name:      "requests_duplicate_total",
		Help:      "Retransmitted requests acknowledged without being recorded.",
	})

	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tinycount",
		Subsystem: "collector",
		Name:      "live_tail_subscribers",
		Help:      "Connected websocket subscribers.",
	})
)
