package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	watchdog "github.com/goliatone/go-watchdog"
	"github.com/goliatone/go-watchdog/cron"
	"github.com/goliatone/go-watchdog/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type ServeCmd struct{}

func (c *ServeCmd) Run(g *Globals) error {
	a, err := loadApp(g)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.openStore(ctx, true); err != nil {
		return err
	}
	defer a.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, gw, err := a.gateway(reg, false)
	if err != nil {
		return err
	}
	resumed, err := rt.Recover(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("recovered %d watchdog instances", resumed)

	for _, pool := range a.cfg.Watchdog.PoolNames() {
		switch err := gw.StartWatchdog(ctx, pool); {
		case err == nil:
		case watchdog.HasCode(err, watchdog.ErrCodeAlreadyRunning):
			a.logger.Debug("watchdog for pool %s already running", pool)
		default:
			a.logger.Error("start watchdog for pool %s: %v", pool, err)
		}
	}

	scheduler := cron.NewScheduler(cron.WithLogger(a.logger))
	if a.cfg.Purge.Schedule != "" {
		if _, err := scheduler.ScheduleCron(cron.JobConfig{
			Name:       "purge-history",
			Expression: a.cfg.Purge.Schedule,
			Timeout:    a.cfg.Purge.Timeout,
		}, cron.PurgeJob(gw, a.logger)); err != nil {
			return err
		}
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           server.NewRouter(gw, server.WithLogger(a.logger), server.WithMetrics(reg)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.logger.Info("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			scheduler.Stop(shutdownCtx),
			rt.Shutdown(shutdownCtx),
		)
	})
	return group.Wait()
}

type StatusCmd struct {
	Pool string `arg:"" help:"Pool name."`
}

func (c *StatusCmd) Run(g *Globals) error {
	a, err := loadApp(g)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := a.openStore(ctx, false); err != nil {
		return err
	}
	defer a.close()

	_, gw, err := a.gateway(nil, true)
	if err != nil {
		return err
	}
	status, err := gw.GetStatus(ctx, watchdog.PoolName(c.Pool))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

type PurgeCmd struct{}

func (c *PurgeCmd) Run(g *Globals) error {
	a, err := loadApp(g)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := a.openStore(ctx, true); err != nil {
		return err
	}
	defer a.close()

	_, gw, err := a.gateway(nil, true)
	if err != nil {
		return err
	}
	purged, err := gw.PurgeHistory(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("purged %d instances", purged)
	return nil
}
