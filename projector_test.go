package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-watchdog/durable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectHappyPathSequence(t *testing.T) {
	due := epoch.Add(5 * time.Second)
	next := due.Add(DefaultInterval)
	task := &TaskExecution{TaskName: "T1", NextExecution: &due}

	steps := []Transition{
		{Phase: PhasePolling, Pool: "P1"},
		{Phase: PhaseWaitingTask, Pool: "P1", Task: task, Next: task.NextExecution},
		{Phase: PhaseWaitingInterval, Pool: "P1", Next: &next},
	}
	var messages []string
	for _, step := range steps {
		messages = append(messages, Project(step).Message)
	}
	assert.Equal(t, []string{MessageGettingNextTask, MessageGotTask, MessageWaitingNextExecution}, messages)

	waiting := Project(steps[1])
	require.NotNil(t, waiting.CurrentTask)
	assert.NotSame(t, task, waiting.CurrentTask)
	assert.Equal(t, "T1", waiting.CurrentTask.TaskName)
	assert.True(t, due.Equal(*waiting.NextExecutionTime))

	interval := Project(steps[2])
	assert.Nil(t, interval.CurrentTask)
	assert.True(t, next.Equal(*interval.NextExecutionTime))
}

func TestProjectIsPure(t *testing.T) {
	due := epoch.Add(time.Minute)
	tr := Transition{Phase: PhaseWaitingTask, Pool: "P1", Task: &TaskExecution{TaskName: "T1", NextExecution: &due}, Next: &due}
	assert.Equal(t, Project(tr), Project(tr))
}

func TestProjectTerminalPhases(t *testing.T) {
	due := epoch.Add(time.Minute)
	task := &TaskExecution{TaskName: "T1", NextExecution: &due}

	cases := []struct {
		name    string
		in      Transition
		message string
		inError bool
		task    bool
	}{
		{"no task", Transition{Phase: PhaseStoppedNoTask, Pool: "P1"}, MessageNoTask, false, false},
		{"invalid without detail", Transition{Phase: PhaseStoppedInvalidTask, Pool: "P1", Task: &TaskExecution{}}, MessageInvalidTask, true, true},
		{"invalid with detail", Transition{Phase: PhaseStoppedInvalidTask, Pool: "P1", Task: &TaskExecution{Error: "bad schedule"}}, "bad schedule", true, true},
		{"cancelled waiting", Transition{Phase: PhaseStoppedCancelled, Pool: "P1", Task: task, Next: &due}, MessageCancelledWhileWaiting, false, true},
		{"cancelled idle", Transition{Phase: PhaseStoppedCancelled, Pool: "P1"}, MessageCancelled, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := Project(tc.in)
			assert.Equal(t, tc.message, status.Message)
			assert.Equal(t, tc.inError, status.InError)
			assert.Equal(t, tc.task, status.CurrentTask != nil)
			assert.True(t, status.Phase.Stopped())
		})
	}
}

func TestTaskExecutionDueAfter(t *testing.T) {
	now := epoch
	later := now.Add(time.Nanosecond)
	earlier := now.Add(-time.Second)

	assert.False(t, (&TaskExecution{TaskName: "T1"}).DueAfter(now))
	assert.True(t, (&TaskExecution{TaskName: "T1", NextExecution: &later}).DueAfter(now))
	assert.False(t, (&TaskExecution{TaskName: "T1", NextExecution: &now}).DueAfter(now))
	assert.False(t, (&TaskExecution{TaskName: "T1", NextExecution: &earlier}).DueAfter(now))

	assert.True(t, (&TaskExecution{TaskName: "T1"}).Valid())
	assert.False(t, (&TaskExecution{TaskName: " ", Error: "x"}).Valid())
}

func TestValidateMessage(t *testing.T) {
	err := validateMessage(PoolName(""))
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeInvalidArgument))

	err = validateMessage(TaskName(""))
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeInvalidArgument))

	assert.NoError(t, validateMessage(PoolName("P1")))
}

func TestServiceFailureClassification(t *testing.T) {
	err := serviceFailure(ActivityGetNextTask, PoolName("P1"), errors.New("connection refused"))
	assert.True(t, HasCode(err, ErrCodeServiceFailure))
	assert.False(t, durable.IsNonRetryable(err))

	err = serviceFailure(ActivityGetNextTask, PoolName("P1"), invalidArgument("bad pool", nil))
	assert.True(t, durable.IsNonRetryable(err))
}

func TestServiceActivityRejectsInvalidInput(t *testing.T) {
	called := false
	fn := serviceActivity(ActivityExecuteTask, func(_ context.Context, task TaskName) (bool, error) {
		called = true
		return false, nil
	})
	_, err := fn(context.Background(), TaskName(" "))
	require.Error(t, err)
	assert.True(t, durable.IsNonRetryable(err))
	assert.False(t, called)
}
