// Package metrics exposes Prometheus instrumentation for the lifecycle
// manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts boundary operations by name and outcome.
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pluginmgr",
		Name:      "operations_total",
		Help:      "Lifecycle operations by operation and outcome.",
	}, []string{"op", "outcome"})

	// Failures counts typed failures by error kind.
	Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pluginmgr",
		Name:      "failures_total",
		Help:      "Typed operation failures by error kind.",
	}, []string{"kind"})

	// RunningPlugins tracks the number of plugin services in Running state.
	RunningPlugins = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pluginmgr",
		Name:      "running_plugins",
		Help:      "Number of plugin services currently running.",
	})

	// Crashes counts unexpected plugin service exits.
	Crashes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pluginmgr",
		Name:      "crashes_total",
		Help:      "Unexpected plugin service exits.",
	})
)
