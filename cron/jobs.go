package cron

import (
	"context"

	"github.com/goliatone/go-watchdog/durable"
)

// Purger deletes the history of finished watchdogs.
type Purger interface {
	PurgeHistory(ctx context.Context) (int, error)
}

// PurgeJob returns a job that purges terminal watchdog history.
func PurgeJob(p Purger, logger durable.Logger) Job {
	return func(ctx context.Context) error {
		purged, err := p.PurgeHistory(ctx)
		if err != nil {
			return err
		}
		if logger != nil && purged > 0 {
			logger.Info("scheduled purge removed %d instances", purged)
		}
		return nil
	}
}
