// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pageshot",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of sessions currently holding a rendering context.",
	})

	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pageshot",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total number of sessions created.",
		},
		[]string{"backend"},
	)

	SessionTeardowns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pageshot",
		Subsystem: "session",
		Name:      "teardowns_total",
		Help:      "Total number of completed session teardowns.",
	})

	// Render metrics
	RenderOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pageshot",
			Subsystem: "render",
			Name:      "outcomes_total",
			Help:      "Render results by outcome kind.",
		},
		[]string{"outcome"},
	)

	RenderPhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pageshot",
			Subsystem: "render",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in onload, composite and encode.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"phase"},
	)

	RenderWakes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pageshot",
		Subsystem: "render",
		Name:      "wakes",
		Help:      "Wake signals consumed per render.",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})

	WakesCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pageshot",
		Subsystem: "wake",
		Name:      "coalesced_total",
		Help:      "Wake signals dropped because one was already pending.",
	})

	BadLocators = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pageshot",
		Subsystem: "http",
		Name:      "bad_locators_total",
		Help:      "Requests rejected because the path was not a usable locator.",
	})

	PoolHalted = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pageshot",
		Subsystem: "pool",
		Name:      "halted",
		Help:      "1 once a fatal condition halted the session pool.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
