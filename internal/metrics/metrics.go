// Package metrics exposes Prometheus counters and gauges over supervision
// events, one set of series per program and per state. None of this
// affects the state machine; it is pure observation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmaster-sh/taskmaster/internal/instance"
)

var (
	startsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmaster_instance_starts_total",
			Help: "Total number of successful spawns issued by a start command.",
		},
		[]string{"program"},
	)
	stopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmaster_instance_stops_total",
			Help: "Total number of stop signals sent to an instance.",
		},
		[]string{"program"},
	)
	spawnFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmaster_instance_spawn_failures_total",
			Help: "Total number of spawn attempts that failed outright (FATAL without consuming a retry).",
		},
		[]string{"program"},
	)
	instancesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmaster_instances_by_state",
			Help: "Current number of instances in each supervision state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(startsTotal, stopsTotal, spawnFailuresTotal, instancesByState)
}

// IncStart records a successful spawn issued by a start command. Failed
// spawns are counted by IncSpawnFailure instead.
func IncStart(program string) { startsTotal.WithLabelValues(program).Inc() }

// IncStop records a stop signal sent to an instance of program.
func IncStop(program string) { stopsTotal.WithLabelValues(program).Inc() }

// IncSpawnFailure records an outright spawn failure (FATAL, no retry
// consumed).
func IncSpawnFailure(program string) { spawnFailuresTotal.WithLabelValues(program).Inc() }

// SyncStateCounts sets the instancesByState gauge from a fresh tally. All
// seven states are always set, including zero counts, so a dashboard
// querying this gauge never sees a stale nonzero value for a vacated
// state.
func SyncStateCounts(counts map[instance.State]int) {
	for _, s := range []instance.State{
		instance.Stopped, instance.Starting, instance.Running,
		instance.Stopping, instance.Backoff, instance.Exited, instance.Fatal,
	} {
		instancesByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
