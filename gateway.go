package watchdog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goliatone/go-watchdog/cancellation"
	"github.com/goliatone/go-watchdog/durable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Gateway is the operator control surface for watchdogs.
type Gateway struct {
	runtime  *durable.Runtime
	registry *cancellation.Registry
	logger   durable.Logger
	metrics  *Metrics
	starts   singleflight.Group
	locks    *poolLocker

	terminateConcurrency int
}

// StartWatchdog starts the pool's watchdog. It fails with ALREADY_RUNNING when
// a live instance exists and with STOP_IN_PROGRESS while the previous stop has
// not finished stopping the pool. Concurrent calls for one pool share a single
// start.
func (g *Gateway) StartWatchdog(ctx context.Context, pool PoolName) error {
	if err := pool.Validate(); err != nil {
		return err
	}
	_, err, _ := g.starts.Do(pool.String(), func() (any, error) {
		return nil, g.start(ctx, pool)
	})
	g.metrics.Starts.WithLabelValues(requestResult(err)).Inc()
	return err
}

func (g *Gateway) start(ctx context.Context, pool PoolName) error {
	unlock := g.locks.Lock(pool.String())
	defer unlock()

	for _, id := range []string{StartInstanceID(pool), WatchdogInstanceID(pool)} {
		rec, err := g.runtime.GetStatus(ctx, id)
		if err != nil {
			return err
		}
		if rec != nil && !rec.RuntimeStatus.Terminal() {
			return alreadyRunning(pool, rec)
		}
	}
	stopRec, err := g.runtime.GetStatus(ctx, StopInstanceID(pool))
	if err != nil {
		return err
	}
	if stopRec != nil && !stopRec.RuntimeStatus.Terminal() {
		return cloneError(ErrStopInProgress, "", nil, map[string]any{
			"pool":        pool.String(),
			"instance_id": stopRec.InstanceID,
		})
	}

	if _, err := g.registry.Arm(pool.String()); err != nil {
		return err
	}
	instanceID, err := g.runtime.StartNew(ctx, OrchestratorCleanAndRun, StartInstanceID(pool), pool)
	if err != nil {
		if durable.HasCode(err, durable.ErrCodeInstanceExists) {
			return cloneError(ErrAlreadyRunning, "", err, map[string]any{"pool": pool.String()})
		}
		return err
	}
	durable.WithFields(g.logger, map[string]any{
		"pool":        pool.String(),
		"instance_id": instanceID,
	}).Info("watchdog started")
	return nil
}

// StopWatchdog fires the pool's cancellation and stops the pool. It fails with
// ALREADY_STOPPED when no live watchdog exists or a stop is still running.
func (g *Gateway) StopWatchdog(ctx context.Context, pool PoolName) error {
	if err := pool.Validate(); err != nil {
		return err
	}
	err := g.stop(ctx, pool)
	g.metrics.Stops.WithLabelValues(requestResult(err)).Inc()
	return err
}

func (g *Gateway) stop(ctx context.Context, pool PoolName) error {
	unlock := g.locks.Lock(pool.String())
	defer unlock()

	live := false
	for _, id := range []string{StartInstanceID(pool), WatchdogInstanceID(pool)} {
		rec, err := g.runtime.GetStatus(ctx, id)
		if err != nil {
			return err
		}
		if rec != nil && !rec.RuntimeStatus.Terminal() {
			live = true
			break
		}
	}
	if !live {
		return cloneError(ErrAlreadyStopped, "", nil, map[string]any{"pool": pool.String()})
	}

	stopRec, err := g.runtime.GetStatus(ctx, StopInstanceID(pool))
	if err != nil {
		return err
	}
	if stopRec != nil && !stopRec.RuntimeStatus.Terminal() {
		return cloneError(ErrAlreadyStopped, "stop already in progress", nil, map[string]any{
			"pool":        pool.String(),
			"instance_id": stopRec.InstanceID,
		})
	}

	instanceID, err := g.runtime.StartNew(ctx, OrchestratorStop, StopInstanceID(pool), pool)
	if err != nil {
		if durable.HasCode(err, durable.ErrCodeInstanceExists) {
			return cloneError(ErrAlreadyStopped, "stop already in progress", err, map[string]any{"pool": pool.String()})
		}
		return err
	}
	durable.WithFields(g.logger, map[string]any{
		"pool":        pool.String(),
		"instance_id": instanceID,
	}).Info("watchdog stop requested")
	return nil
}

// GetStatus returns the last published status of the pool's watchdog. The
// looping child is preferred once it belongs to the current run.
func (g *Gateway) GetStatus(ctx context.Context, pool PoolName) (*WatchdogStatus, error) {
	if err := pool.Validate(); err != nil {
		return nil, err
	}
	parent, err := g.runtime.GetStatus(ctx, StartInstanceID(pool))
	if err != nil {
		return nil, err
	}
	child, err := g.runtime.GetStatus(ctx, WatchdogInstanceID(pool))
	if err != nil {
		return nil, err
	}

	rec := child
	if rec == nil || (parent != nil && rec.CreatedAt.Before(parent.CreatedAt)) {
		rec = parent
	}
	if rec == nil {
		return nil, cloneError(ErrNotFound, "", nil, map[string]any{"pool": pool.String()})
	}
	return decodeStatus(pool, rec)
}

// Pools returns the status of every pool that has a watchdog record.
func (g *Gateway) Pools(ctx context.Context) ([]WatchdogStatus, error) {
	recs, err := g.runtime.List(ctx, durable.InstanceFilter{Name: OrchestratorCleanAndRun})
	if err != nil {
		return nil, err
	}
	out := make([]WatchdogStatus, 0, len(recs))
	for _, rec := range recs {
		var pool PoolName
		if err := json.Unmarshal(rec.Input, &pool); err != nil || pool.Validate() != nil {
			continue
		}
		status, err := g.GetStatus(ctx, pool)
		if err != nil {
			return nil, err
		}
		out = append(out, *status)
	}
	return out, nil
}

// PurgeHistory deletes every terminal instance and its history. Live
// watchdogs are left untouched.
func (g *Gateway) PurgeHistory(ctx context.Context) (int, error) {
	purged, err := g.runtime.Purge(ctx)
	if err != nil {
		return purged, err
	}
	if purged > 0 {
		g.logger.Info("purged %d terminal instances", purged)
	}
	return purged, nil
}

// TerminateAll terminates every live instance and fires every registered
// cancellation signal. Per-instance failures are logged, not returned.
func (g *Gateway) TerminateAll(ctx context.Context) (int, error) {
	recs, err := g.runtime.List(ctx, durable.InstanceFilter{
		Statuses: []durable.RuntimeStatus{durable.StatusRunning, durable.StatusPending},
	})
	if err != nil {
		return 0, err
	}

	var terminated atomic.Int32
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.terminateConcurrency)
	for _, rec := range recs {
		group.Go(func() error {
			if err := g.runtime.Terminate(groupCtx, rec.InstanceID, "terminated by operator"); err != nil {
				durable.WithFields(g.logger, map[string]any{"instance_id": rec.InstanceID}).
					Warn("terminate failed: %v", err)
				return nil
			}
			terminated.Add(1)
			return nil
		})
	}
	_ = group.Wait()

	fired := g.registry.SignalAll(nil)
	g.logger.Info("terminated %d of %d instances, fired %d signals", terminated.Load(), len(recs), fired)
	return int(terminated.Load()), nil
}

func decodeStatus(pool PoolName, rec *durable.InstanceRecord) (*WatchdogStatus, error) {
	status := &WatchdogStatus{PoolName: pool}
	if len(rec.CustomStatus) > 0 {
		if err := json.Unmarshal(rec.CustomStatus, status); err != nil {
			return nil, err
		}
	} else {
		status.Message = string(rec.RuntimeStatus)
	}
	status.RuntimeStatus = rec.RuntimeStatus
	updated := rec.UpdatedAt
	status.UpdatedAt = &updated
	return status, nil
}

func alreadyRunning(pool PoolName, rec *durable.InstanceRecord) error {
	return cloneError(ErrAlreadyRunning, "", nil, map[string]any{
		"pool":           pool.String(),
		"instance_id":    rec.InstanceID,
		"runtime_status": string(rec.RuntimeStatus),
	})
}

func requestResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case HasCode(err, ErrCodeAlreadyRunning):
		return "already_running"
	case HasCode(err, ErrCodeAlreadyStopped):
		return "already_stopped"
	case HasCode(err, ErrCodeStopInProgress):
		return "stop_in_progress"
	case HasCode(err, ErrCodeInvalidArgument):
		return "invalid"
	default:
		return "error"
	}
}

// poolLocker serializes start and stop per pool without blocking other pools.
type poolLocker struct {
	mu    sync.Mutex
	locks map[string]*poolLockRef
}

type poolLockRef struct {
	mu   sync.Mutex
	refs int
}

func newPoolLocker() *poolLocker {
	return &poolLocker{locks: make(map[string]*poolLockRef)}
}

func (l *poolLocker) Lock(pool string) func() {
	pool = strings.TrimSpace(pool)
	l.mu.Lock()
	ref, ok := l.locks[pool]
	if !ok {
		ref = &poolLockRef{}
		l.locks[pool] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		l.mu.Lock()
		ref.refs--
		if ref.refs == 0 {
			delete(l.locks, pool)
		}
		l.mu.Unlock()
	}
}
