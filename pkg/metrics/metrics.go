package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marketprobe",
		Name:      "messages_dispatched_total",
		Help:      "Inbound frames fanned out to registered waiters.",
	})

	WaitersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketprobe",
		Name:      "waiters_active",
		Help:      "Waiters currently registered and unsettled.",
	})

	WaitTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketprobe",
		Name:      "wait_timeouts_total",
		Help:      "Collect waits that expired before reaching their target count.",
	}, []string{"mode"}) // mode: collect/silence

	PredicatePanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marketprobe",
		Name:      "predicate_panics_total",
		Help:      "Caller predicates that panicked during dispatch (treated as no match).",
	})

	SettleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketprobe_waiter_settle_seconds",
		Help:    "Time from waiter registration to settlement",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms ~ 16s
	})
)
