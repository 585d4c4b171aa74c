// Package metrics provides Prometheus instrumentation for the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tasklet"

// Registry holds every metric the scheduler updates.
type Registry struct {
	Ticks             prometheus.Counter
	Executions        *prometheus.CounterVec
	StepFailures      prometheus.Counter
	OverlapSkips      prometheus.Counter
	GeneratorProduced prometheus.Counter
	GeneratorFaults   prometheus.Counter
	ActiveTasks       prometheus.Gauge
	InFlight          prometheus.Gauge
	ExecutionDuration *prometheus.HistogramVec
	HistoryErrors     prometheus.Counter

	factory  promauto.Factory
	gatherer prometheus.Gatherer
}

// New registers the scheduler metrics on a fresh registry, together with
// the Go runtime and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r := NewRegistry(reg)
	r.gatherer = reg
	return r
}

// NewRegistry creates the scheduler metrics on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	r := &Registry{
		factory: factory,

		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Wall-clock seconds evaluated by the scheduler loop",
		}),

		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "task",
				Name:      "executions_total",
				Help:      "Completed task executions by outcome",
			},
			[]string{"outcome"},
		),

		StepFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "step_failures_total",
			Help:      "Steps that returned an error or panicked",
		}),

		OverlapSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "overlap_skips_total",
			Help:      "Schedule matches skipped because the previous run was still in flight",
		}),

		GeneratorProduced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "produced_total",
			Help:      "Tasks produced by the generator",
		}),

		GeneratorFaults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "faults_total",
			Help:      "Generator factory errors and panics",
		}),

		ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "active_tasks",
			Help:      "Tasks currently registered",
		}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "in_flight",
			Help:      "Task executions currently running",
		}),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "task",
				Name:      "execution_duration_seconds",
				Help:      "Wall time of a full task execution",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
			},
			[]string{"outcome"},
		),

		HistoryErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "write_errors_total",
			Help:      "Run records that could not be persisted",
		}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		r.gatherer = g
	}
	return r
}

// ObserveEventDrops exports dropped counts the same way the event bus
// reports them. Call it once per Registry.
func (r *Registry) ObserveEventDrops(dropped func() uint64) prometheus.CounterFunc {
	return r.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "dropped_total",
		Help:      "Events not delivered because a subscriber buffer was full",
	}, func() float64 { return float64(dropped()) })
}

// Gatherer returns the registry to serve, or nil when the Registerer
// passed to NewRegistry cannot be gathered.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.gatherer
}
