// Package metrics holds the prometheus collectors for the signal pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Extractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_extractions_total",
			Help: "Extraction results by provenance",
		},
		[]string{"provenance"},
	)

	Fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_llm_fallbacks_total",
			Help: "Heuristic fallbacks by the error kind that caused them",
		},
		[]string{"kind"},
	)

	LLMDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signal_llm_duration_seconds",
			Help:    "LLM extraction call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	BudgetVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_budget_verdicts_total",
			Help: "Budget gate verdicts",
		},
		[]string{"verdict"},
	)

	CostUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_llm_cost_usd",
			Help: "Recorded LLM cost in USD",
		},
		[]string{"provider", "model"},
	)

	CostFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_cost_flushes_total",
			Help: "Cost recorder flush batches",
		},
		[]string{"status"},
	)

	CostDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signal_cost_entries_dropped_total",
			Help: "Cost entries rejected or dropped by the recorder",
		},
	)

	SignalsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_processed_total",
			Help: "Signals processed by the pipeline",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Extractions,
			Fallbacks,
			LLMDuration,
			BudgetVerdicts,
			CostUSD,
			CostFlushes,
			CostDropped,
			SignalsProcessed,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
