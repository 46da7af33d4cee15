// Package metrics holds the Prometheus collectors for the consensus pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_fetch_total",
			Help: "Source fetch outcomes",
		},
		[]string{"source", "outcome"},
	)

	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consensus_fetch_duration_seconds",
			Help:    "Source fetch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"source"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_rate_limited_total",
			Help: "Calls blocked by the rate governor",
		},
		[]string{"source", "window"},
	)

	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_cache_lookups_total",
			Help: "Consensus cache lookups by result",
		},
		[]string{"result"},
	)

	DeltasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_deltas_total",
			Help: "Detected metric deltas",
		},
		[]string{"significant"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consensus_confidence_score",
			Help:    "Confidence score of built consensus records",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	AutoTuneToggles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_autotune_toggles_total",
			Help: "Sources auto-disabled or re-enabled by the failure ledger",
		},
		[]string{"source", "action"},
	)

	SourceEnabled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consensus_source_enabled",
			Help: "1 when the source is eligible for dispatch",
		},
		[]string{"source"},
	)

	SweepDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_sweep_deleted_total",
			Help: "Rows removed by housekeeping sweeps",
		},
		[]string{"table"},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			FetchTotal,
			FetchDuration,
			RateLimited,
			CacheLookups,
			DeltasTotal,
			ConfidenceScore,
			AutoTuneToggles,
			SourceEnabled,
			SweepDeleted,
		)
	})
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// BoolLabel renders a boolean as a label value.
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
