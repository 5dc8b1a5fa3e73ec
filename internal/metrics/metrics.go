// Package metrics exports pipeline diagnostics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollCyclesTotal counts completed collector cycles by outcome.
	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabricmon_poll_cycles_total",
			Help: "Total collector poll cycles by outcome",
		},
		[]string{"outcome"}, // ok, skipped, dropped_tick
	)

	// PollCycleDuration measures how long a full cycle takes.
	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fabricmon_poll_cycle_duration_seconds",
			Help:    "Collector cycle duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// EventsTotal counts alert event transitions.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabricmon_alert_events_total",
			Help: "Total alert event transitions",
		},
		[]string{"transition"}, // raised, cleared, acknowledged
	)

	// CooldownSuppressed counts rising edges suppressed by the cooldown window.
	CooldownSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fabricmon_cooldown_suppressed_total",
			Help: "Rising edges suppressed by cooldown",
		},
	)

	// DispatchTotal counts channel deliveries by channel and outcome.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabricmon_dispatch_total",
			Help: "Notification dispatch attempts by channel and outcome",
		},
		[]string{"channel", "outcome"}, // sent, failed, dropped
	)

	// StoreWriteFailures counts history append failures (data-gap diagnostic).
	StoreWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fabricmon_store_write_failures_total",
			Help: "History store append failures",
		},
	)

	// RetentionDeleted counts rows removed by the retention task.
	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabricmon_retention_deleted_total",
			Help: "Rows removed by retention pruning",
		},
		[]string{"table"},
	)

	// SLACompliance is the live fabric-wide SLA gauge.
	SLACompliance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabricmon_sla_compliance_percent",
			Help: "Current fabric SLA compliance percentage",
		},
	)

	// HTTPRateLimited counts API requests rejected by the rate limiter.
	HTTPRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fabricmon_http_rate_limited_total",
			Help: "API requests rejected with 429",
		},
	)

	// DevicesUnreachable is the current unreachable device count.
	DevicesUnreachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabricmon_devices_unreachable",
			Help: "Devices currently unreachable",
		},
	)
)
