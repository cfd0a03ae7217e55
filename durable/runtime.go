// Package durable runs replayable orchestrations over a persistent store.
//
// Orchestrator functions are plain Go functions that route every
// non-deterministic step (activity calls, timers, clock reads, child
// orchestrations) through an OrchestrationContext. Each step's outcome is
// journaled. When a process restarts, Recover re-executes running instances
// against their journal: recorded steps return their recorded results without
// side effects and execution continues live from the first unrecorded step.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// OrchestratorFunc is a replayable workflow body. It must be deterministic with
// respect to the context's recorded history.
type OrchestratorFunc func(ctx *OrchestrationContext) (any, error)

// ActivityFunc performs one side effect and returns a JSON-encodable result.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// StatusListener observes every live custom status publication.
type StatusListener func(instanceID string, status json.RawMessage)

const maxUpdateAttempts = 8

// Runtime schedules orchestration instances in the current process.
type Runtime struct {
	mu            sync.Mutex
	store         Store
	clock         clockwork.Clock
	logger        Logger
	retry         RetryPolicy
	metrics       *Metrics
	panicLogger   PanicLogger
	listener      StatusListener
	orchestrators map[string]OrchestratorFunc
	activities    map[string]ActivityFunc
	running       map[string]*execution
	changed       chan struct{}
	baseCtx       context.Context
	cancelBase    context.CancelCauseFunc
	wg            sync.WaitGroup
	closed        bool
}

type execution struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithStore sets the persistence backend. Defaults to an InMemoryStore.
func WithStore(store Store) Option {
	return func(r *Runtime) {
		if store != nil {
			r.store = store
		}
	}
}

// WithClock sets the clock used for timers and CurrentTime.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Runtime) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the runtime logger.
func WithLogger(logger Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRetryPolicy sets the activity retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(r *Runtime) {
		r.retry = policy
	}
}

// WithMetrics sets the collectors the runtime reports to.
func WithMetrics(metrics *Metrics) Option {
	return func(r *Runtime) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithPanicLogger overrides how recovered panics are reported.
func WithPanicLogger(logger PanicLogger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.panicLogger = logger
		}
	}
}

// WithStatusListener registers a callback for custom status publications.
func WithStatusListener(listener StatusListener) Option {
	return func(r *Runtime) {
		r.listener = listener
	}
}

// NewRuntime builds a runtime. Call Recover to resume instances persisted by a
// previous process.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		store:         NewInMemoryStore(),
		clock:         clockwork.NewRealClock(),
		logger:        NewFmtLogger(nil),
		retry:         DefaultRetryPolicy(),
		orchestrators: make(map[string]OrchestratorFunc),
		activities:    make(map[string]ActivityFunc),
		running:       make(map[string]*execution),
		changed:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	if r.panicLogger == nil {
		r.panicLogger = NewLoggerPanicLogger(r.logger)
	}
	r.baseCtx, r.cancelBase = context.WithCancelCause(context.Background())
	return r
}

// Store returns the persistence backend.
func (r *Runtime) Store() Store { return r.store }

// Clock returns the runtime clock.
func (r *Runtime) Clock() clockwork.Clock { return r.clock }

// RegisterOrchestrator binds name to fn.
func (r *Runtime) RegisterOrchestrator(name string, fn OrchestratorFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return cloneError(ErrInvalidInstance, "orchestrator name and function required", nil, nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orchestrators[name]; exists {
		return cloneError(ErrAlreadyRegistered, "", nil, map[string]any{"orchestrator": name})
	}
	r.orchestrators[name] = fn
	return nil
}

// RegisterActivityFunc binds name to an untyped activity.
func (r *Runtime) RegisterActivityFunc(name string, fn ActivityFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return cloneError(ErrInvalidInstance, "activity name and function required", nil, nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[name]; exists {
		return cloneError(ErrAlreadyRegistered, "", nil, map[string]any{"activity": name})
	}
	r.activities[name] = fn
	return nil
}

// RegisterActivity binds name to a typed activity. Input decoding failures are
// not retried.
func RegisterActivity[In any, Out any](r *Runtime, name string, fn func(context.Context, In) (Out, error)) error {
	if fn == nil {
		return cloneError(ErrInvalidInstance, "activity function required", nil, nil)
	}
	return r.RegisterActivityFunc(name, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, NonRetryable(err)
			}
		}
		return fn(ctx, in)
	})
}

// StartNew schedules a new instance of the named orchestrator. An empty
// instanceID gets a generated one. Starting over a terminal instance replaces
// it; starting over a live one fails with ErrInstanceExists.
func (r *Runtime) StartNew(ctx context.Context, name, instanceID string, input any) (string, error) {
	return r.start(ctx, name, instanceID, input, "")
}

func (r *Runtime) start(ctx context.Context, name, instanceID string, input any, parentID string) (string, error) {
	r.mu.Lock()
	closed := r.closed
	_, registered := r.orchestrators[name]
	r.mu.Unlock()
	if closed {
		return "", ErrRuntimeClosed.Clone()
	}
	if !registered {
		return "", cloneError(ErrUnknownOrchestrator, "", nil, map[string]any{"orchestrator": name})
	}

	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", err
	}

	existing, err := r.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	expected, generation := 0, 0
	if existing != nil {
		if !existing.RuntimeStatus.Terminal() {
			return "", r.instanceExists(existing)
		}
		expected = existing.Version
		generation = existing.Generation + 1
	}

	now := r.clock.Now().UTC()
	rec := &InstanceRecord{
		InstanceID:    instanceID,
		Name:          name,
		ParentID:      parentID,
		Input:         raw,
		RuntimeStatus: StatusRunning,
		Generation:    generation,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := r.store.SaveInstance(ctx, rec, expected); err != nil {
		if HasCode(err, ErrCodeVersionConflict) {
			return "", r.instanceExists(rec)
		}
		return "", err
	}
	if generation > 0 {
		if err := r.store.TruncateHistory(ctx, instanceID, generation); err != nil {
			return "", err
		}
	}

	r.launch(instanceID, true)
	withLoggerFields(r.logger, map[string]any{
		"instance_id":  instanceID,
		"orchestrator": name,
		"parent_id":    parentID,
	}).Debug("instance started")
	return instanceID, nil
}

// GetStatus returns the instance record, or nil when it does not exist.
func (r *Runtime) GetStatus(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	return r.store.LoadInstance(ctx, instanceID)
}

// List returns instances matching filter.
func (r *Runtime) List(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	return r.store.ListInstances(ctx, filter)
}

// Terminate marks a live instance terminated and stops its execution.
func (r *Runtime) Terminate(ctx context.Context, instanceID, reason string) error {
	applied := false
	rec, err := r.updateInstance(ctx, instanceID, func(rec *InstanceRecord) bool {
		if rec.RuntimeStatus.Terminal() {
			return false
		}
		rec.RuntimeStatus = StatusTerminated
		rec.Error = reason
		applied = true
		return true
	})
	if err != nil {
		return err
	}
	if !applied {
		return cloneError(ErrInstanceNotRunning, "", nil, map[string]any{
			"instance_id":    instanceID,
			"runtime_status": string(rec.RuntimeStatus),
		})
	}

	r.mu.Lock()
	exec := r.running[rec.InstanceID]
	r.mu.Unlock()
	if exec != nil {
		exec.cancel(errors.New("instance terminated: " + reason))
		select {
		case <-exec.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.metrics.Instances.WithLabelValues(rec.Name, string(StatusTerminated)).Inc()
	withLoggerFields(r.logger, map[string]any{"instance_id": rec.InstanceID}).Info("instance terminated: %s", reason)
	r.notify()
	return nil
}

// Purge deletes instances in the given terminal statuses, all terminal
// statuses when none are given. Live instances are never purged.
func (r *Runtime) Purge(ctx context.Context, statuses ...RuntimeStatus) (int, error) {
	var filter InstanceFilter
	for _, status := range statuses {
		if status.Terminal() {
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if len(filter.Statuses) == 0 {
		if len(statuses) > 0 {
			return 0, nil
		}
		filter.Statuses = TerminalStatuses()
	}

	recs, err := r.store.ListInstances(ctx, filter)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, rec := range recs {
		if err := r.store.DeleteInstance(ctx, rec.InstanceID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// WaitForCompletion blocks until the instance reaches a terminal status.
func (r *Runtime) WaitForCompletion(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	for {
		r.mu.Lock()
		changed := r.changed
		r.mu.Unlock()

		rec, err := r.store.LoadInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, cloneError(ErrInstanceNotFound, "", nil, map[string]any{"instance_id": instanceID})
		}
		if rec.RuntimeStatus.Terminal() {
			return rec, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Recover resumes every live instance not already executing in this process
// and returns how many were resumed.
func (r *Runtime) Recover(ctx context.Context) (int, error) {
	recs, err := r.store.ListInstances(ctx, InstanceFilter{Statuses: []RuntimeStatus{StatusRunning, StatusPending}})
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, rec := range recs {
		if r.launch(rec.InstanceID, false) {
			resumed++
		}
	}
	if resumed > 0 {
		r.logger.Info("resumed %d instances", resumed)
	}
	return resumed, nil
}

// Shutdown stops every execution without touching persisted state, leaving
// live instances for Recover in the next process.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cancelBase(ErrRuntimeClosed)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) launch(instanceID string, replace bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, exists := r.running[instanceID]; exists && !replace {
		return false
	}
	execCtx, cancel := context.WithCancelCause(r.baseCtx)
	exec := &execution{cancel: cancel, done: make(chan struct{})}
	r.running[instanceID] = exec
	r.wg.Add(1)
	r.metrics.Running.Inc()
	go r.run(execCtx, instanceID, exec)
	return true
}

func (r *Runtime) run(ctx context.Context, instanceID string, exec *execution) {
	defer func() {
		r.mu.Lock()
		if r.running[instanceID] == exec {
			delete(r.running, instanceID)
		}
		r.mu.Unlock()
		exec.cancel(nil)
		r.metrics.Running.Dec()
		close(exec.done)
		r.wg.Done()
	}()

	logger := withLoggerFields(r.logger, map[string]any{"instance_id": instanceID})
	for {
		rec, err := r.store.LoadInstance(ctx, instanceID)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("load instance: %v", err)
			}
			return
		}
		if rec == nil || rec.RuntimeStatus.Terminal() {
			return
		}

		r.mu.Lock()
		fn := r.orchestrators[rec.Name]
		r.mu.Unlock()
		if fn == nil {
			r.finish(ctx, instanceID, StatusFailed, nil, cloneError(ErrUnknownOrchestrator, "", nil, map[string]any{"orchestrator": rec.Name}).Error())
			return
		}

		history, err := r.store.LoadHistory(ctx, instanceID, rec.Generation)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("load history: %v", err)
			}
			return
		}
		if len(history) > 0 {
			r.metrics.Replays.Inc()
			logger.Debug("replaying %d recorded events", len(history))
		}

		out, err := r.execute(newOrchestrationContext(r, ctx, rec, history), fn)
		if ctx.Err() != nil {
			return
		}

		var next *continueAsNewError
		if errors.As(err, &next) {
			if err := r.continueAsNew(ctx, instanceID, next.input); err != nil {
				if ctx.Err() == nil {
					logger.Error("continue as new: %v", err)
				}
				return
			}
			continue
		}
		if err != nil {
			r.finish(ctx, instanceID, StatusFailed, nil, err.Error())
			return
		}
		raw, err := json.Marshal(out)
		if err != nil {
			r.finish(ctx, instanceID, StatusFailed, nil, err.Error())
			return
		}
		r.finish(ctx, instanceID, StatusCompleted, raw, "")
		return
	}
}

func (r *Runtime) execute(octx *OrchestrationContext, fn OrchestratorFunc) (out any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.panicLogger(octx.Name(), recovered, capturePanicStack(), map[string]any{
				"instance_id": octx.InstanceID(),
			})
			err = &PanicError{FuncName: octx.Name(), Value: recovered}
		}
	}()
	return fn(octx)
}

func (r *Runtime) continueAsNew(ctx context.Context, instanceID string, input json.RawMessage) error {
	generation := 0
	_, err := r.updateInstance(ctx, instanceID, func(rec *InstanceRecord) bool {
		if rec.RuntimeStatus.Terminal() {
			return false
		}
		rec.Generation++
		rec.Input = input
		generation = rec.Generation
		return true
	})
	if err != nil || generation == 0 {
		return err
	}
	r.metrics.ContinuedAsNew.Inc()
	return r.store.TruncateHistory(ctx, instanceID, generation)
}

func (r *Runtime) finish(ctx context.Context, instanceID string, status RuntimeStatus, output json.RawMessage, errText string) {
	applied := false
	rec, err := r.updateInstance(ctx, instanceID, func(rec *InstanceRecord) bool {
		if rec.RuntimeStatus.Terminal() {
			return false
		}
		rec.RuntimeStatus = status
		rec.Output = output
		rec.Error = errText
		applied = true
		return true
	})
	logger := withLoggerFields(r.logger, map[string]any{"instance_id": instanceID})
	if err != nil {
		logger.Error("record %s status: %v", status, err)
		return
	}
	if applied {
		r.metrics.Instances.WithLabelValues(rec.Name, string(status)).Inc()
		if status == StatusFailed {
			logger.Warn("instance failed: %s", errText)
		} else {
			logger.Debug("instance %s", status)
		}
	}
	r.notify()
}

func (r *Runtime) setCustomStatus(ctx context.Context, instanceID string, raw json.RawMessage) error {
	applied := false
	_, err := r.updateInstance(ctx, instanceID, func(rec *InstanceRecord) bool {
		if rec.RuntimeStatus.Terminal() {
			return false
		}
		rec.CustomStatus = raw
		applied = true
		return true
	})
	if err != nil {
		return err
	}
	if applied && r.listener != nil {
		r.listener(instanceID, cloneRaw(raw))
	}
	return nil
}

func (r *Runtime) updateInstance(ctx context.Context, instanceID string, mutate func(*InstanceRecord) bool) (*InstanceRecord, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		rec, err := r.store.LoadInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, cloneError(ErrInstanceNotFound, "", nil, map[string]any{"instance_id": instanceID})
		}
		expected := rec.Version
		if !mutate(rec) {
			return rec, nil
		}
		rec.UpdatedAt = r.clock.Now().UTC()
		version, err := r.store.SaveInstance(ctx, rec, expected)
		if err == nil {
			rec.Version = version
			return rec, nil
		}
		if !HasCode(err, ErrCodeVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *Runtime) invokeActivity(ctx context.Context, instanceID, name string, payload json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	fn, ok := r.activities[name]
	r.mu.Unlock()
	if !ok {
		return nil, NonRetryable(cloneError(ErrUnknownActivity, "", nil, map[string]any{"activity": name}))
	}

	fields := map[string]any{"instance_id": instanceID, "activity": name}
	logger := withLoggerFields(r.logger, fields)
	started := r.clock.Now()

	var result any
	err := r.retry.run(ctx, r.clock, func(attemptCtx context.Context) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				r.panicLogger(name, recovered, capturePanicStack(), fields)
				err = NonRetryable(&PanicError{FuncName: name, Value: recovered})
			}
		}()
		result, err = fn(attemptCtx, payload)
		return err
	}, func(attempt int, err error) {
		logger.Warn("attempt %d failed, retrying: %v", attempt, err)
	})
	r.metrics.ActivityTime.WithLabelValues(name).Observe(r.clock.Since(started).Seconds())
	if err != nil {
		r.metrics.ActivityCalls.WithLabelValues(name, "failure").Inc()
		return nil, err
	}
	r.metrics.ActivityCalls.WithLabelValues(name, "success").Inc()
	return json.Marshal(result)
}

func (r *Runtime) notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Runtime) instanceExists(rec *InstanceRecord) error {
	return cloneError(ErrInstanceExists, "", nil, map[string]any{
		"instance_id":    rec.InstanceID,
		"runtime_status": string(rec.RuntimeStatus),
	})
}
