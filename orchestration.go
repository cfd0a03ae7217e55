package watchdog

import (
	"time"

	"github.com/goliatone/go-watchdog/cancellation"
	"github.com/goliatone/go-watchdog/durable"
)

const (
	OrchestratorCleanAndRun = "CleanAndRunWatchdog"
	OrchestratorRunTask     = "RunTaskWatchdog"
	OrchestratorStop        = "StopWatchdog"

	// DefaultInterval separates the end of one cycle from the next poll.
	DefaultInterval = 10 * time.Second
)

// StartInstanceID is the instance id of the pool's clean-and-run orchestration.
func StartInstanceID(pool PoolName) string { return "start-watchdog_" + pool.String() }

// WatchdogInstanceID is the instance id of the pool's looping child.
func WatchdogInstanceID(pool PoolName) string { return StartInstanceID(pool) + ":wd" }

// StopInstanceID is the instance id of the pool's stop orchestration.
func StopInstanceID(pool PoolName) string { return "stop-watchdog_" + pool.String() }

type machine struct {
	registry *cancellation.Registry
	interval time.Duration
	metrics  *Metrics
}

func (m *machine) register(rt *durable.Runtime) error {
	if err := rt.RegisterOrchestrator(OrchestratorCleanAndRun, m.cleanAndRun); err != nil {
		return err
	}
	if err := rt.RegisterOrchestrator(OrchestratorRunTask, m.runTask); err != nil {
		return err
	}
	return rt.RegisterOrchestrator(OrchestratorStop, m.stop)
}

// cleanAndRun readies the pool and hands over to the looping child.
func (m *machine) cleanAndRun(ctx *durable.OrchestrationContext) (any, error) {
	pool, err := poolInput(ctx)
	if err != nil {
		return nil, err
	}

	if err := publish(ctx, Transition{Phase: PhaseCleaning, Pool: pool}); err != nil {
		return nil, err
	}
	if err := ctx.CallActivity(ActivityCleanPool, pool, nil); err != nil {
		return nil, err
	}
	if err := publish(ctx, Transition{Phase: PhaseStarting, Pool: pool}); err != nil {
		return nil, err
	}
	if err := ctx.CallActivity(ActivityStartPool, pool, nil); err != nil {
		return nil, err
	}

	var outcome Outcome
	if err := ctx.CallSubOrchestrator(OrchestratorRunTask, ctx.InstanceID()+":wd", pool, &outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// runTask is one poll, wait, execute and interval cycle. It loops by
// continuing as new with the pool name as its only carried state.
func (m *machine) runTask(ctx *durable.OrchestrationContext) (any, error) {
	pool, err := poolInput(ctx)
	if err != nil {
		return nil, err
	}
	// a recovered process has an empty registry
	if _, err := m.registry.Ensure(pool.String()); err != nil {
		return nil, err
	}
	cancel, err := m.registry.WaitHandle(pool.String())
	if err != nil {
		return nil, err
	}
	logger := durable.WithFields(ctx.Logger(), map[string]any{"pool": pool.String()})

	if !ctx.IsReplaying() && m.registry.Fired(pool.String()) {
		logger.Info("stop requested before polling")
		return m.exit(ctx, OutcomeStoppedCancelled, Transition{Phase: PhaseStoppedCancelled, Pool: pool})
	}

	if err := publish(ctx, Transition{Phase: PhasePolling, Pool: pool}); err != nil {
		return nil, err
	}
	var task *TaskExecution
	if err := ctx.CallActivity(ActivityGetNextTask, pool, &task); err != nil {
		return nil, err
	}
	if task == nil {
		logger.Info("no task available")
		return m.exit(ctx, OutcomeStoppedNoTask, Transition{Phase: PhaseStoppedNoTask, Pool: pool})
	}
	if !task.Valid() {
		logger.Warn("invalid task: %s", task.Error)
		return m.exit(ctx, OutcomeStoppedInvalidTask, Transition{Phase: PhaseStoppedInvalidTask, Pool: pool, Task: task})
	}

	now, err := ctx.CurrentTime()
	if err != nil {
		return nil, err
	}
	if task.DueAfter(now) {
		waiting := Transition{Phase: PhaseWaitingTask, Pool: pool, Task: task, Next: task.NextExecution}
		if err := publish(ctx, waiting); err != nil {
			return nil, err
		}
		logger.Debug("waiting until %s for task %s", task.NextExecution.Format(time.RFC3339), task.TaskName)
		outcome, err := ctx.CreateTimer(*task.NextExecution, cancel)
		if err != nil {
			return nil, err
		}
		if outcome == durable.WaitCancelled {
			logger.Info("cancelled while waiting for task %s", task.TaskName)
			if err := publish(ctx, Transition{Phase: PhaseStoppedCancelled, Pool: pool, Task: task, Next: task.NextExecution}); err != nil {
				return nil, err
			}
			var cancelled bool
			if err := ctx.CallActivity(ActivityCancelExecutingTask, pool, &cancelled); err != nil {
				return nil, err
			}
			m.recordOutcome(ctx, pool, OutcomeStoppedCancelled)
			return OutcomeStoppedCancelled, nil
		}
	} else {
		if err := publish(ctx, Transition{Phase: PhaseGotTask, Pool: pool, Task: task}); err != nil {
			return nil, err
		}
	}

	var failed bool
	if err := ctx.CallActivity(ActivityExecuteTask, TaskName(task.TaskName), &failed); err != nil {
		return nil, err
	}
	if failed {
		logger.Warn("task %s reported an internal error", task.TaskName)
	}
	var done bool
	if err := ctx.CallActivity(ActivitySetTaskDone, pool, &done); err != nil {
		return nil, err
	}
	m.recordCycle(ctx, pool, failed)

	now, err = ctx.CurrentTime()
	if err != nil {
		return nil, err
	}
	next := now.Add(m.interval)
	if err := publish(ctx, Transition{Phase: PhaseWaitingInterval, Pool: pool, Next: &next, InError: failed}); err != nil {
		return nil, err
	}
	outcome, err := ctx.CreateTimer(next, cancel)
	if err != nil {
		return nil, err
	}
	if outcome == durable.WaitCancelled {
		logger.Info("cancelled during interval wait")
		return m.exit(ctx, OutcomeStoppedCancelled, Transition{Phase: PhaseStoppedCancelled, Pool: pool})
	}
	return nil, ctx.ContinueAsNew(pool)
}

// stop fires the pool's signal and stops the pool. The signal is created when
// missing, so a watchdog recovered after a restart still observes the stop
// once its loop first registers. Firing is idempotent and also runs on replay.
func (m *machine) stop(ctx *durable.OrchestrationContext) (any, error) {
	pool, err := poolInput(ctx)
	if err != nil {
		return nil, err
	}
	sig, err := m.registry.Ensure(pool.String())
	if err != nil {
		return nil, err
	}
	fired := sig.Fire(nil)
	ctx.Logger().Info("stop signal for pool %s fired=%t", pool, fired)
	return nil, ctx.CallActivity(ActivityStopPool, pool, nil)
}

func (m *machine) exit(ctx *durable.OrchestrationContext, outcome Outcome, t Transition) (any, error) {
	if err := publish(ctx, t); err != nil {
		return nil, err
	}
	m.recordOutcome(ctx, t.Pool, outcome)
	return outcome, nil
}

func (m *machine) recordCycle(ctx *durable.OrchestrationContext, pool PoolName, failed bool) {
	if ctx.IsReplaying() || m.metrics == nil {
		return
	}
	m.metrics.Cycles.WithLabelValues(pool.String()).Inc()
	if failed {
		m.metrics.TaskFailures.WithLabelValues(pool.String()).Inc()
	}
}

func (m *machine) recordOutcome(ctx *durable.OrchestrationContext, pool PoolName, outcome Outcome) {
	if ctx.IsReplaying() || m.metrics == nil {
		return
	}
	m.metrics.Outcomes.WithLabelValues(pool.String(), string(outcome)).Inc()
}

func publish(ctx *durable.OrchestrationContext, t Transition) error {
	return ctx.SetCustomStatus(Project(t))
}

func poolInput(ctx *durable.OrchestrationContext) (PoolName, error) {
	var pool PoolName
	if err := ctx.Input(&pool); err != nil {
		return "", invalidArgument("decode pool name", map[string]any{"instance_id": ctx.InstanceID()})
	}
	if err := pool.Validate(); err != nil {
		return "", err
	}
	return pool, nil
}
