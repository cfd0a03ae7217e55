package watchdog

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts watchdog cycles and exits per pool.
type Metrics struct {
	Cycles       *prometheus.CounterVec
	TaskFailures *prometheus.CounterVec
	Outcomes     *prometheus.CounterVec
	Starts       *prometheus.CounterVec
	Stops        *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "cycles_total",
			Help:      "Completed execute and mark-done cycles.",
		}, []string{"pool"}),
		TaskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "task_failures_total",
			Help:      "Executions that reported an internal error.",
		}, []string{"pool"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "exits_total",
			Help:      "Watchdog runs that exited, by outcome.",
		}, []string{"pool", "outcome"}),
		Starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "start_requests_total",
			Help:      "StartWatchdog requests by result.",
		}, []string{"result"}),
		Stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "stop_requests_total",
			Help:      "StopWatchdog requests by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Cycles, m.TaskFailures, m.Outcomes, m.Starts, m.Stops)
	}
	return m
}
