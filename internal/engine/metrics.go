package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the engine's own counters (tasks_distributed, failures,
// spawn_count) to a caller-supplied Prometheus registry. Optional: an
// Engine with a nil Metrics just keeps the counts in its own Stats.
type Metrics struct {
	tasksDistributed prometheus.Counter
	failures         prometheus.Counter
	spawnCount       prometheus.Counter
}

// NewMetrics registers divvy's counters against reg and returns a Metrics
// ready to pass to Options.Metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksDistributed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "divvy",
			Name:      "tasks_distributed_total",
			Help:      "Tuples successfully written to an accepted worker connection.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "divvy",
			Name:      "failures_total",
			Help:      "Workers reaped with a non-zero exit disposition.",
		}),
		spawnCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "divvy",
			Name:      "spawn_total",
			Help:      "Successful worker forks (self-re-execs).",
		}),
	}
	reg.MustRegister(m.tasksDistributed, m.failures, m.spawnCount)
	return m
}
