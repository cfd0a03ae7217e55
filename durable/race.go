package durable

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// WaitOutcome reports which side of a timer race won.
type WaitOutcome int

const (
	WaitElapsed WaitOutcome = iota + 1
	WaitCancelled
)

func (o WaitOutcome) String() string {
	switch o {
	case WaitElapsed:
		return "elapsed"
	case WaitCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func parseWaitOutcome(text string) WaitOutcome {
	switch text {
	case "elapsed":
		return WaitElapsed
	case "cancelled":
		return WaitCancelled
	default:
		return 0
	}
}

// WaitFirst blocks until deadline passes on clock or cancel closes, whichever
// happens first. Cancellation wins when both are ready. A nil cancel channel
// never fires. Context cancellation aborts the wait with ctx.Err().
func WaitFirst(ctx context.Context, clock clockwork.Clock, deadline time.Time, cancel <-chan struct{}) (WaitOutcome, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cancelled(cancel) {
		return WaitCancelled, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	wait := deadline.Sub(clock.Now())
	if wait <= 0 {
		return WaitElapsed, nil
	}

	timer := clock.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-cancel:
		return WaitCancelled, nil
	case <-timer.Chan():
		if cancelled(cancel) {
			return WaitCancelled, nil
		}
		return WaitElapsed, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func cancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}
