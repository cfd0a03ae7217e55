// Package cron runs watchdog maintenance jobs, such as history purges, on
// cron expressions.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-watchdog/durable"
	rcron "github.com/robfig/cron/v3"
)

const ErrCodeInvalidSchedule = "INVALID_SCHEDULE"

var ErrInvalidSchedule = apperrors.New("invalid schedule", apperrors.CategoryValidation).
	WithTextCode(ErrCodeInvalidSchedule)

// Job is one maintenance run.
type Job func(ctx context.Context) error

// JobConfig describes how a job is scheduled.
type JobConfig struct {
	Name       string
	Expression string
	// Timeout bounds a single run. Zero means no timeout.
	Timeout time.Duration
}

// Scheduler wraps robfig/cron with cancellable handles.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	seconds      bool
	logger       durable.Logger
	errorHandler func(name string, err error)
	baseCtx      context.Context
	cancelBase   context.CancelFunc

	nextHandleID int64
	handles      map[int64]*handle
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the timezone expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithSeconds accepts six-field expressions with a leading seconds field.
func WithSeconds() Option {
	return func(s *Scheduler) { s.seconds = true }
}

func WithLogger(logger durable.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithErrorHandler is called with every failed run.
func WithErrorHandler(fn func(name string, err error)) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.errorHandler = fn
		}
	}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		logger:   durable.NewFmtLogger(nil),
		handles:  make(map[int64]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.errorHandler == nil {
		s.errorHandler = func(name string, err error) {
			s.logger.Error("job %s failed: %v", name, err)
		}
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron registers job on cfg.Expression.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job Job) (Handle, error) {
	if cfg.Expression == "" {
		return nil, ErrInvalidSchedule.Clone().WithMetadata(map[string]any{"job": cfg.Name, "reason": "empty expression"})
	}
	if job == nil {
		return nil, ErrInvalidSchedule.Clone().WithMetadata(map[string]any{"job": cfg.Name, "reason": "nil job"})
	}

	h := s.newHandle(cfg.Name)
	entryID, err := s.cron.AddJob(cfg.Expression, rcron.FuncJob(func() {
		if h.Status().terminal() {
			return
		}
		h.setStatus(StatusRunning, nil)
		if err := s.run(cfg, job); err != nil {
			h.setStatus(StatusFailed, err)
			s.errorHandler(cfg.Name, err)
			return
		}
		if !h.Status().terminal() {
			h.setStatus(StatusIdle, nil)
		}
	}))
	if err != nil {
		err := ErrInvalidSchedule.Clone().WithMetadata(map[string]any{"job": cfg.Name, "expression": cfg.Expression})
		return nil, err
	}
	h.entryID = entryID
	s.storeHandle(h)
	return h, nil
}

// RunNow runs job once on the caller's goroutine with the job's timeout.
func (s *Scheduler) RunNow(cfg JobConfig, job Job) error {
	err := s.run(cfg, job)
	if err != nil {
		s.errorHandler(cfg.Name, err)
	}
	return err
}

func (s *Scheduler) run(cfg JobConfig, job Job) (err error) {
	ctx := s.baseCtx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", cfg.Name, r)
		}
	}()
	start := time.Now()
	err = job(ctx)
	durable.WithFields(s.logger, map[string]any{"job": cfg.Name, "elapsed": time.Since(start).String()}).
		Debug("job finished")
	return err
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts scheduling, cancels running jobs and waits for them until ctx
// is done. Every open handle ends as stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancelBase()
	stopped := s.cron.Stop()

	s.mu.Lock()
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*handle)
	s.mu.Unlock()

	for _, h := range handles {
		s.cron.Remove(h.entryID)
		if !h.Status().terminal() {
			h.setTerminal(StatusStopped, nil)
		}
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) removeHandle(id int64) {
	s.mu.Lock()
	h := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if h != nil {
		s.cron.Remove(h.entryID)
	}
}

func (s *Scheduler) storeHandle(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

func (s *Scheduler) newHandle(name string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &handle{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    StatusScheduled,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) build() []rcron.Option {
	opts := []rcron.Option{
		rcron.WithLocation(s.location),
		rcron.WithLogger(&loggerAdapter{logger: s.logger}),
	}
	if s.seconds {
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}
	return opts
}

// loggerAdapter adapts durable.Logger to robfig/cron's logger.
type loggerAdapter struct {
	logger durable.Logger
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l *loggerAdapter) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: %s %v: %v", msg, keysAndValues, err)
}
