package cron

import (
	"sync"

	rcron "github.com/robfig/cron/v3"
)

// Status reports a job handle state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusStopped   Status = "stopped"
)

func (s Status) terminal() bool {
	return s == StatusCanceled || s == StatusStopped
}

// Handle controls one scheduled job.
type Handle interface {
	ID() int64
	Name() string
	Cancel()
	Status() Status
	// Err is the error of the most recent run, if it failed.
	Err() error
	Done() <-chan struct{}
}

type handle struct {
	scheduler *Scheduler
	id        int64
	name      string
	entryID   rcron.EntryID
	done      chan struct{}
	once      sync.Once

	mu     sync.RWMutex
	status Status
	err    error
}

func (h *handle) ID() int64    { return h.id }
func (h *handle) Name() string { return h.name }

func (h *handle) Cancel() {
	h.scheduler.removeHandle(h.id)
	h.setTerminal(StatusCanceled, nil)
}

func (h *handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) setStatus(status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.terminal() {
		return
	}
	h.status = status
	h.err = err
}

func (h *handle) setTerminal(status Status, err error) {
	h.setStatus(status, err)
	h.once.Do(func() { close(h.done) })
}
