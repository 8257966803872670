// Package metrics exposes simulator counters over /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SimulationRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "banksim_simulation_runs_total",
		Help: "Completed simulation scheduling passes.",
	})

	RuleFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "banksim_rule_firings_total",
		Help: "Funding rule firings by rule type.",
	}, []string{"rule_type"})

	SynthesizedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "banksim_synthesized_entries_total",
		Help: "Ledger entries appended by the funding rule engine.",
	})
)

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
