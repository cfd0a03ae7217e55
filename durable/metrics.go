package durable

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the runtime's prometheus collectors.
type Metrics struct {
	ActivityCalls  *prometheus.CounterVec
	ActivityTime   *prometheus.HistogramVec
	Timers         *prometheus.CounterVec
	Replays        prometheus.Counter
	ContinuedAsNew prometheus.Counter
	Instances      *prometheus.CounterVec
	Running        prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActivityCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watchdog",
			Subsystem: "durable",
			Name:      "activity_calls_total",
			Help:      "Live activity invocations by activity and outcome.",
		}, []string{"activity", "outcome"}),
		ActivityTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "watchdog",
			Subsystem: "durable",
			Name:      "activity_duration_seconds",
			Help:      "Live activity latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"activity"}),
		Timers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watchdog",
			Subsystem: "durable",
			Name:      "timers_total",
			Help:      "Durable timer races by outcome.",
		}, []string{"outcome"}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "watchdog",
			Subsystem: "durable",
			Name:      "replays_total",
			Help:      "Orchestration executions that started from recorded history.",
		}),
		ContinuedAsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "watchdog",
			Subsystem: "durable",
			Name:      "continued_as_new_total",
			Help:      "Generations closed by continue-as-new.",
		}),
		Instances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watchdog",
			Subsystem: "durable",
			Name:      "instances_finished_total",
			Help:      "Instances reaching a terminal status.",
		}, []string{"name", "status"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "watchdog",
			Subsystem: "durable",
			Name:      "instances_running",
			Help:      "Instances executing in this process.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ActivityCalls,
			m.ActivityTime,
			m.Timers,
			m.Replays,
			m.ContinuedAsNew,
			m.Instances,
			m.Running,
		)
	}
	return m
}
