package watchdog

import "time"

const (
	MessageCleaning              = "Cleaning pool"
	MessageStarting              = "Starting pool"
	MessageGettingNextTask       = "Getting next task"
	MessageGotTask               = "Got task"
	MessageWaitingNextExecution  = "Waiting next execution"
	MessageNoTask                = "no task"
	MessageInvalidTask           = "invalid task"
	MessageCancelledWhileWaiting = "cancelled while waiting"
	MessageCancelled             = "cancelled"
)

// Transition is one state machine step as seen by the projector.
type Transition struct {
	Phase Phase
	Pool  PoolName
	Task  *TaskExecution
	// Next is the time the current wait ends, if waiting.
	Next    *time.Time
	InError bool
}

// Project maps a transition to the status snapshot published for it. It has
// no side effects: equal transitions always yield equal statuses.
func Project(t Transition) WatchdogStatus {
	status := WatchdogStatus{
		PoolName: t.Pool,
		Phase:    t.Phase,
		InError:  t.InError,
	}

	switch t.Phase {
	case PhaseCleaning:
		status.Message = MessageCleaning
	case PhaseStarting:
		status.Message = MessageStarting
	case PhasePolling:
		status.Message = MessageGettingNextTask
	case PhaseGotTask:
		status.Message = MessageGotTask
		status.CurrentTask = t.Task.clone()
	case PhaseWaitingTask:
		status.Message = MessageGotTask
		status.CurrentTask = t.Task.clone()
		status.NextExecutionTime = cloneTime(t.Next)
	case PhaseWaitingInterval:
		status.Message = MessageWaitingNextExecution
		status.NextExecutionTime = cloneTime(t.Next)
	case PhaseStoppedNoTask:
		status.Message = MessageNoTask
	case PhaseStoppedInvalidTask:
		status.Message = MessageInvalidTask
		if t.Task != nil && t.Task.Error != "" {
			status.Message = t.Task.Error
		}
		status.CurrentTask = t.Task.clone()
		status.InError = true
	case PhaseStoppedCancelled:
		// a task in flight keeps its waiting projection
		if t.Task != nil {
			status.Message = MessageCancelledWhileWaiting
			status.CurrentTask = t.Task.clone()
			status.NextExecutionTime = cloneTime(t.Next)
		} else {
			status.Message = MessageCancelled
		}
	default:
		status.Message = string(t.Phase)
	}
	return status
}
