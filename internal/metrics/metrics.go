// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thoth",
		Subsystem: "discovery",
		Name:      "runs_total",
		Help:      "Completed discovery runs by outcome.",
	}, []string{"outcome"})

	PapersEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "thoth",
		Subsystem: "discovery",
		Name:      "papers_emitted_total",
		Help:      "Papers emitted to the output channel.",
	})

	AdapterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thoth",
		Subsystem: "discovery",
		Name:      "adapter_errors_total",
		Help:      "Adapter failures by source kind.",
	}, []string{"kind"})

	RunsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "thoth",
		Subsystem: "discovery",
		Name:      "runs_in_flight",
		Help:      "Discovery runs currently executing.",
	})

	BrowserContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "thoth",
		Subsystem: "browser",
		Name:      "contexts_in_use",
		Help:      "Browser contexts currently held by workflows.",
	})
)
