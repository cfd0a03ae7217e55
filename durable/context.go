package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// OrchestrationContext is handed to orchestrator functions. Every
// non-deterministic step goes through it so a restarted process can rebuild
// the run from recorded history.
type OrchestrationContext struct {
	rt       *Runtime
	ctx      context.Context
	instance *InstanceRecord
	history  []HistoryEvent
	seq      int
	logger   Logger
}

func newOrchestrationContext(rt *Runtime, ctx context.Context, rec *InstanceRecord, history []HistoryEvent) *OrchestrationContext {
	octx := &OrchestrationContext{
		rt:       rt,
		ctx:      ctx,
		instance: rec,
		history:  history,
	}
	octx.logger = replaySafeLogger{
		octx: octx,
		inner: withLoggerFields(rt.logger, map[string]any{
			"instance_id":  rec.InstanceID,
			"orchestrator": rec.Name,
			"generation":   rec.Generation,
		}),
	}
	return octx
}

// InstanceID returns the orchestration instance id.
func (c *OrchestrationContext) InstanceID() string { return c.instance.InstanceID }

// Name returns the registered orchestrator name.
func (c *OrchestrationContext) Name() string { return c.instance.Name }

// Generation counts continue-as-new restarts of the instance.
func (c *OrchestrationContext) Generation() int { return c.instance.Generation }

// Context is cancelled when the instance is terminated or the runtime shuts down.
func (c *OrchestrationContext) Context() context.Context { return c.ctx }

// Logger drops output while replaying.
func (c *OrchestrationContext) Logger() Logger { return c.logger }

// IsReplaying reports whether recorded history remains to be consumed.
func (c *OrchestrationContext) IsReplaying() bool {
	return c.seq < len(c.history)
}

// Input decodes the instance input into v.
func (c *OrchestrationContext) Input(v any) error {
	if len(c.instance.Input) == 0 {
		return nil
	}
	return json.Unmarshal(c.instance.Input, v)
}

// CurrentTime returns a replay-stable clock reading.
func (c *OrchestrationContext) CurrentTime() (time.Time, error) {
	seq, evt, err := c.nextEvent(EventClock, "now")
	if err != nil {
		return time.Time{}, err
	}
	if evt != nil && evt.Completed {
		var ts time.Time
		if err := json.Unmarshal(evt.Result, &ts); err != nil {
			return time.Time{}, err
		}
		return ts, nil
	}

	now := c.rt.clock.Now().UTC()
	raw, err := json.Marshal(now)
	if err != nil {
		return time.Time{}, err
	}
	if err := c.record(HistoryEvent{Seq: seq, Kind: EventClock, Name: "now", Result: raw, Completed: true}); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// CallActivity runs the named activity once per logical call and decodes its
// result into out, which may be nil. Completed calls are never re-invoked.
func (c *OrchestrationContext) CallActivity(name string, input any, out any) error {
	seq, evt, err := c.nextEvent(EventActivity, name)
	if err != nil {
		return err
	}
	if evt != nil && evt.Completed {
		return decodeOutcome(evt, out)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return err
	}
	result, callErr := c.rt.invokeActivity(c.ctx, c.instance.InstanceID, name, payload)
	if ctxErr := c.ctx.Err(); ctxErr != nil {
		// interrupted calls are re-issued after recovery
		return ctxErr
	}

	done := HistoryEvent{Seq: seq, Kind: EventActivity, Name: name, Completed: true}
	if callErr != nil {
		done.Error = callErr.Error()
		done.ErrorCode = ErrorCode(callErr)
		done.NonRetryable = IsNonRetryable(callErr)
	} else {
		done.Result = result
	}
	if err := c.record(done); err != nil {
		return err
	}
	if callErr != nil {
		return &ActivityError{
			Activity:     name,
			Message:      callErr.Error(),
			Code:         done.ErrorCode,
			NonRetryable: done.NonRetryable,
			Cause:        callErr,
		}
	}
	return decodeOutcome(&done, out)
}

// CreateTimer waits until fireAt or until cancel closes. The deadline is
// recorded before waiting, so a recovered instance resumes the same wait.
func (c *OrchestrationContext) CreateTimer(fireAt time.Time, cancel <-chan struct{}) (WaitOutcome, error) {
	seq, evt, err := c.nextEvent(EventTimer, "timer")
	if err != nil {
		return 0, err
	}
	if evt != nil && evt.Completed {
		var text string
		if err := json.Unmarshal(evt.Result, &text); err != nil {
			return 0, err
		}
		return parseWaitOutcome(text), nil
	}
	if evt == nil {
		scheduled := HistoryEvent{Seq: seq, Kind: EventTimer, Name: "timer", FireAt: fireAt.UTC()}
		if err := c.record(scheduled); err != nil {
			return 0, err
		}
	} else {
		fireAt = evt.FireAt
	}

	outcome, err := WaitFirst(c.ctx, c.rt.clock, fireAt, cancel)
	if err != nil {
		return 0, err
	}
	c.rt.metrics.Timers.WithLabelValues(outcome.String()).Inc()
	raw, err := json.Marshal(outcome.String())
	if err != nil {
		return 0, err
	}
	fired := HistoryEvent{
		Seq:       seq,
		Kind:      EventTimer,
		Name:      "timer",
		FireAt:    fireAt.UTC(),
		Result:    raw,
		Completed: true,
	}
	if err := c.record(fired); err != nil {
		return 0, err
	}
	return outcome, nil
}

// SetCustomStatus publishes v as the instance's custom status. Calls made
// while replaying are skipped.
func (c *OrchestrationContext) SetCustomStatus(v any) error {
	if c.IsReplaying() {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.rt.setCustomStatus(c.ctx, c.instance.InstanceID, raw); err != nil {
		return err
	}
	c.instance.CustomStatus = raw
	return nil
}

// CallSubOrchestrator starts the named orchestrator as a child instance and
// waits for it to finish. The child output is decoded into out.
func (c *OrchestrationContext) CallSubOrchestrator(name, instanceID string, input any, out any) error {
	seq, evt, err := c.nextEvent(EventSubOrchestration, name)
	if err != nil {
		return err
	}
	if evt != nil && evt.Completed {
		return decodeOutcome(evt, out)
	}

	if evt == nil {
		if instanceID == "" {
			instanceID = c.instance.InstanceID + ":" + fmt.Sprint(seq)
		}
		scheduled := HistoryEvent{Seq: seq, Kind: EventSubOrchestration, Name: name, ChildID: instanceID}
		if err := c.record(scheduled); err != nil {
			return err
		}
	} else {
		instanceID = evt.ChildID
	}

	child, err := c.rt.store.LoadInstance(c.ctx, instanceID)
	if err != nil {
		return err
	}
	if child == nil || (evt == nil && child.RuntimeStatus.Terminal()) {
		if _, err := c.rt.start(c.ctx, name, instanceID, input, c.instance.InstanceID); err != nil {
			return err
		}
	}

	final, err := c.rt.WaitForCompletion(c.ctx, instanceID)
	if err != nil {
		return err
	}
	done := HistoryEvent{Seq: seq, Kind: EventSubOrchestration, Name: name, ChildID: instanceID, Completed: true}
	if final.RuntimeStatus == StatusCompleted {
		done.Result = final.Output
	} else {
		done.Error = fmt.Sprintf("sub-orchestration %s %s: %s", instanceID, final.RuntimeStatus, final.Error)
		done.ErrorCode = ErrCodeSubOrchestration
	}
	if err := c.record(done); err != nil {
		return err
	}
	return decodeOutcome(&done, out)
}

// ContinueAsNew ends the current generation and restarts the orchestrator with
// input and an empty history. Return its result from the orchestrator.
func (c *OrchestrationContext) ContinueAsNew(input any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return &continueAsNewError{input: raw}
}

type continueAsNewError struct {
	input json.RawMessage
}

func (e *continueAsNewError) Error() string { return "orchestration continued as new" }

func (c *OrchestrationContext) nextEvent(kind EventKind, name string) (int, *HistoryEvent, error) {
	seq := c.seq
	c.seq++
	if seq >= len(c.history) {
		return seq, nil, nil
	}
	evt := c.history[seq]
	if evt.Kind != kind || evt.Name != name {
		return seq, nil, cloneError(ErrNonDeterminism, "", nil, map[string]any{
			"instance_id":   c.instance.InstanceID,
			"seq":           seq,
			"expected_kind": string(evt.Kind),
			"expected_name": evt.Name,
			"actual_kind":   string(kind),
			"actual_name":   name,
		})
	}
	return seq, &evt, nil
}

func (c *OrchestrationContext) record(evt HistoryEvent) error {
	evt.InstanceID = c.instance.InstanceID
	evt.Generation = c.instance.Generation
	evt.RecordedAt = c.rt.clock.Now().UTC()
	if err := c.rt.store.PutEvent(c.ctx, evt); err != nil {
		return err
	}
	if evt.Seq < len(c.history) {
		c.history[evt.Seq] = evt
	} else {
		c.history = append(c.history, evt)
	}
	return nil
}

func decodeOutcome(evt *HistoryEvent, out any) error {
	if evt.Error != "" {
		return &ActivityError{
			Activity:     evt.Name,
			Message:      evt.Error,
			Code:         evt.ErrorCode,
			NonRetryable: evt.NonRetryable,
		}
	}
	if out == nil || len(evt.Result) == 0 {
		return nil
	}
	return json.Unmarshal(evt.Result, out)
}
