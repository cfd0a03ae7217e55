// Package watchdog drives one long-running poll, wait and execute loop per
// resource pool on top of the durable runtime.
//
// A watchdog for pool P is a parent orchestration (start-watchdog_P) that
// cleans and starts the pool, then runs the looping child (start-watchdog_P:wd).
// Each child iteration fetches the next task, waits for it to be due unless a
// stop arrives first, executes it, marks it done and waits for the interval
// before continuing as new. Status snapshots are published at every step and
// read back through the Gateway.
package watchdog

import (
	"time"

	"github.com/goliatone/go-watchdog/cancellation"
	"github.com/goliatone/go-watchdog/durable"
)

// Option configures New.
type Option func(*options)

type options struct {
	registry             *cancellation.Registry
	interval             time.Duration
	logger               durable.Logger
	metrics              *Metrics
	terminateConcurrency int
}

// WithRegistry shares a cancellation registry. Defaults to a new one.
func WithRegistry(registry *cancellation.Registry) Option {
	return func(o *options) {
		if registry != nil {
			o.registry = registry
		}
	}
}

// WithInterval sets the wait between cycles. Defaults to DefaultInterval.
func WithInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.interval = interval
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger durable.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the collectors watchdogs report to.
func WithMetrics(metrics *Metrics) Option {
	return func(o *options) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithTerminateConcurrency bounds parallel terminations in TerminateAll.
func WithTerminateConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.terminateConcurrency = n
		}
	}
}

// New registers the watchdog orchestrations and the task service activities
// on rt and returns the gateway that controls them. Call rt.Recover afterwards
// to resume watchdogs persisted by a previous process.
func New(rt *durable.Runtime, svc TaskService, opts ...Option) (*Gateway, error) {
	if rt == nil || svc == nil {
		return nil, invalidArgument("runtime and task service required", nil)
	}
	o := options{
		interval:             DefaultInterval,
		terminateConcurrency: 8,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.registry == nil {
		o.registry = cancellation.NewRegistry()
	}
	if o.logger == nil {
		o.logger = durable.NewFmtLogger(nil)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}

	if err := registerActivities(rt, svc); err != nil {
		return nil, err
	}
	m := &machine{registry: o.registry, interval: o.interval, metrics: o.metrics}
	if err := m.register(rt); err != nil {
		return nil, err
	}

	return &Gateway{
		runtime:              rt,
		registry:             o.registry,
		logger:               o.logger,
		metrics:              o.metrics,
		locks:                newPoolLocker(),
		terminateConcurrency: o.terminateConcurrency,
	}, nil
}
