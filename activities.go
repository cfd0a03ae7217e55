package watchdog

import (
	"context"

	"github.com/goliatone/go-watchdog/durable"
)

const (
	ActivityCleanPool           = "CleanPool"
	ActivityStartPool           = "StartPool"
	ActivityStopPool            = "StopPool"
	ActivityGetNextTask         = "GetNextTask"
	ActivityCancelExecutingTask = "CancelExecutingTask"
	ActivitySetTaskDone         = "SetTaskDone"
	ActivityExecuteTask         = "ExecuteTask"
)

// TaskService is the external system that owns pools and their tasks.
type TaskService interface {
	CleanPool(ctx context.Context, pool PoolName) error
	StartPool(ctx context.Context, pool PoolName) error
	StopPool(ctx context.Context, pool PoolName) error
	// GetNextTask returns nil when there is nothing to do.
	GetNextTask(ctx context.Context, pool PoolName) (*TaskExecution, error)
	CancelExecutingTask(ctx context.Context, pool PoolName) (bool, error)
	SetTaskDone(ctx context.Context, pool PoolName) (bool, error)
	// ExecuteTask reports failed=true when the execution hit an internal
	// error. It is not a success flag.
	ExecuteTask(ctx context.Context, task TaskName) (failed bool, err error)
}

func registerActivities(rt *durable.Runtime, svc TaskService) error {
	type none struct{}

	if err := durable.RegisterActivity(rt, ActivityCleanPool, serviceActivity(ActivityCleanPool, func(ctx context.Context, pool PoolName) (none, error) {
		return none{}, svc.CleanPool(ctx, pool)
	})); err != nil {
		return err
	}
	if err := durable.RegisterActivity(rt, ActivityStartPool, serviceActivity(ActivityStartPool, func(ctx context.Context, pool PoolName) (none, error) {
		return none{}, svc.StartPool(ctx, pool)
	})); err != nil {
		return err
	}
	if err := durable.RegisterActivity(rt, ActivityStopPool, serviceActivity(ActivityStopPool, func(ctx context.Context, pool PoolName) (none, error) {
		return none{}, svc.StopPool(ctx, pool)
	})); err != nil {
		return err
	}
	if err := durable.RegisterActivity(rt, ActivityGetNextTask, serviceActivity(ActivityGetNextTask, svc.GetNextTask)); err != nil {
		return err
	}
	if err := durable.RegisterActivity(rt, ActivityCancelExecutingTask, serviceActivity(ActivityCancelExecutingTask, svc.CancelExecutingTask)); err != nil {
		return err
	}
	if err := durable.RegisterActivity(rt, ActivitySetTaskDone, serviceActivity(ActivitySetTaskDone, svc.SetTaskDone)); err != nil {
		return err
	}
	return durable.RegisterActivity(rt, ActivityExecuteTask, serviceActivity(ActivityExecuteTask, svc.ExecuteTask))
}

// serviceActivity validates the input before calling the service and tags
// service failures. Validation failures are never retried.
func serviceActivity[In Message, Out any](op string, call func(context.Context, In) (Out, error)) func(context.Context, In) (Out, error) {
	return func(ctx context.Context, in In) (Out, error) {
		var zero Out
		if err := validateMessage(in); err != nil {
			return zero, durable.NonRetryable(err)
		}
		out, err := call(ctx, in)
		if err != nil {
			return zero, serviceFailure(op, in, err)
		}
		return out, nil
	}
}

func serviceFailure(op string, in Message, err error) error {
	if HasCode(err, ErrCodeInvalidArgument) || durable.IsNonRetryable(err) {
		return durable.NonRetryable(err)
	}
	return cloneError(ErrServiceFailure, op+" failed", err, map[string]any{
		"operation": op,
		"input":     in.Type(),
	})
}
