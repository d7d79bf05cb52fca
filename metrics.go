package hotmod

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lifecycle metrics, exposed by the remotesync HTTP surface.
var (
	metricLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hotmod_module_loads_total",
		Help: "Number of modules that reached the Loaded status.",
	})
	metricUnloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hotmod_module_unloads_total",
		Help: "Number of modules that reached the Unloaded status.",
	})
	metricHotSwaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hotmod_module_hotswaps_total",
		Help: "Number of successful hot-swaps.",
	})
	metricHookFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hotmod_hook_failures_total",
		Help: "Lifecycle hook failures by hook name.",
	}, []string{"hook"})
)
