package watchdog

import (
	"strings"
	"time"

	"github.com/goliatone/go-watchdog/durable"
)

// PoolName identifies a resource pool. Each pool runs at most one watchdog.
type PoolName string

func (p PoolName) String() string { return string(p) }

func (p PoolName) Type() string { return "watchdog.pool" }

// Validate rejects empty or whitespace-only names.
func (p PoolName) Validate() error {
	if strings.TrimSpace(string(p)) == "" {
		return invalidArgument("pool name required", nil)
	}
	return nil
}

// TaskName identifies the task handed to ExecuteTask.
type TaskName string

func (t TaskName) String() string { return string(t) }

func (t TaskName) Type() string { return "watchdog.task" }

func (t TaskName) Validate() error {
	if strings.TrimSpace(string(t)) == "" {
		return invalidArgument("task name required", nil)
	}
	return nil
}

// TaskExecution is the work item returned by GetNextTask. A nil NextExecution
// means the task is due now.
type TaskExecution struct {
	TaskName      string     `json:"task_name"`
	NextExecution *time.Time `json:"next_execution,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Valid reports whether the task names something to execute.
func (t *TaskExecution) Valid() bool {
	return t != nil && strings.TrimSpace(t.TaskName) != ""
}

// DueAfter reports whether the task is scheduled strictly after now.
func (t *TaskExecution) DueAfter(now time.Time) bool {
	return t != nil && t.NextExecution != nil && t.NextExecution.After(now)
}

func (t *TaskExecution) clone() *TaskExecution {
	if t == nil {
		return nil
	}
	cp := *t
	cp.NextExecution = cloneTime(t.NextExecution)
	return &cp
}

// Phase names the state machine step a status was published from.
type Phase string

const (
	PhaseCleaning           Phase = "cleaning"
	PhaseStarting           Phase = "starting"
	PhasePolling            Phase = "polling"
	PhaseGotTask            Phase = "got_task"
	PhaseWaitingTask        Phase = "waiting_task"
	PhaseWaitingInterval    Phase = "waiting_interval"
	PhaseStoppedNoTask      Phase = "stopped_no_task"
	PhaseStoppedInvalidTask Phase = "stopped_invalid_task"
	PhaseStoppedCancelled   Phase = "stopped_cancelled"
)

// Stopped reports whether the phase is a terminal exit of the loop.
func (p Phase) Stopped() bool {
	switch p {
	case PhaseStoppedNoTask, PhaseStoppedInvalidTask, PhaseStoppedCancelled:
		return true
	default:
		return false
	}
}

// WatchdogStatus is the externally visible snapshot of one watchdog.
// RuntimeStatus and UpdatedAt are filled in when the status is read back.
type WatchdogStatus struct {
	PoolName          PoolName              `json:"pool_name"`
	Phase             Phase                 `json:"phase"`
	Message           string                `json:"message"`
	CurrentTask       *TaskExecution        `json:"current_task,omitempty"`
	NextExecutionTime *time.Time            `json:"next_execution_time,omitempty"`
	InError           bool                  `json:"in_error"`
	RuntimeStatus     durable.RuntimeStatus `json:"runtime_status,omitempty"`
	UpdatedAt         *time.Time            `json:"updated_at,omitempty"`
}

// Outcome is the result an exited watchdog run reports.
type Outcome string

const (
	OutcomeStoppedNoTask      Outcome = "stopped_no_task"
	OutcomeStoppedInvalidTask Outcome = "stopped_invalid_task"
	OutcomeStoppedCancelled   Outcome = "stopped_cancelled"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
