package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gofrs/flock"
	apperrors "github.com/goliatone/go-errors"
	watchdog "github.com/goliatone/go-watchdog"
	"github.com/goliatone/go-watchdog/client"
	"github.com/goliatone/go-watchdog/config"
	"github.com/goliatone/go-watchdog/durable"
	"github.com/goliatone/go-watchdog/logging"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var errStoreLocked = apperrors.New("store is owned by another process", apperrors.CategoryConflict).
	WithTextCode("STORE_LOCKED")

// app holds the components shared by every command.
type app struct {
	cfg     config.Config
	logger  durable.Logger
	store   durable.Store
	closers []func() error
}

func loadApp(g *Globals) (*app, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	return &app{
		cfg:    cfg,
		logger: logging.New(os.Stderr, cfg.Log.Level, strings.EqualFold(cfg.Log.Format, "json")),
	}, nil
}

// openStore opens the configured backend. exclusive takes the SQLite file
// lock so two writers never share one database.
func (a *app) openStore(ctx context.Context, exclusive bool) error {
	switch a.cfg.Store.Backend {
	case config.BackendSQLite:
		sc := a.cfg.Store.SQLite
		if exclusive {
			lock := flock.New(sc.LockFile)
			locked, err := lock.TryLock()
			if err != nil {
				return err
			}
			if !locked {
				return errStoreLocked.Clone().WithMetadata(map[string]any{"lock_file": sc.LockFile})
			}
			a.closers = append(a.closers, lock.Unlock)
		}
		db, err := sql.Open("sqlite3", sc.Path+"?_busy_timeout=5000&_journal_mode=WAL")
		if err != nil {
			return err
		}
		db.SetMaxOpenConns(1)
		a.closers = append(a.closers, db.Close)
		a.store = durable.NewSQLiteStore(db, sc.TablePrefix)
	case config.BackendRedis:
		rc := a.cfg.Store.Redis
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    rc.Addrs,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return err
		}
		a.closers = append(a.closers, rdb.Close)
		a.store = durable.NewRedisStore(durable.NewGoRedisClient(rdb, rc.TTL), rc.KeyPrefix)
	default:
		a.logger.Warn("using the in-memory store, watchdogs will not survive a restart")
		a.store = durable.NewInMemoryStore()
	}
	return nil
}

func (a *app) runtime(reg prometheus.Registerer) *durable.Runtime {
	return durable.NewRuntime(
		durable.WithStore(a.store),
		durable.WithLogger(a.logger),
		durable.WithRetryPolicy(a.cfg.Retry.RetryPolicy()),
		durable.WithMetrics(durable.NewMetrics(reg)),
		durable.WithPanicLogger(durable.NewLoggerPanicLogger(a.logger)),
	)
}

// gateway builds the runtime and the gateway. A detached gateway only reads
// and purges the store and never reaches the task service.
func (a *app) gateway(reg prometheus.Registerer, detached bool) (*durable.Runtime, *watchdog.Gateway, error) {
	var svc watchdog.TaskService = detachedService{}
	if !detached {
		ts := a.cfg.TaskService
		opts := []client.Option{
			client.WithHTTPClient(&http.Client{Timeout: ts.Timeout}),
			client.WithLogger(a.logger),
		}
		for k, v := range ts.Headers {
			opts = append(opts, client.WithHeader(k, v))
		}
		c, err := client.New(ts.BaseURL, opts...)
		if err != nil {
			return nil, nil, err
		}
		svc = c
	}

	rt := a.runtime(reg)
	gw, err := watchdog.New(rt, svc,
		watchdog.WithInterval(a.cfg.Watchdog.Interval),
		watchdog.WithLogger(a.logger),
		watchdog.WithMetrics(watchdog.NewMetrics(reg)),
		watchdog.WithTerminateConcurrency(a.cfg.Watchdog.TerminateConcurrency),
	)
	if err != nil {
		return nil, nil, err
	}
	return rt, gw, nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var errDetached = apperrors.New("task service not available to offline commands", apperrors.CategoryExternal).
	WithTextCode("DETACHED")

type detachedService struct{}

func (detachedService) CleanPool(context.Context, watchdog.PoolName) error { return errDetached }
func (detachedService) StartPool(context.Context, watchdog.PoolName) error { return errDetached }
func (detachedService) StopPool(context.Context, watchdog.PoolName) error  { return errDetached }

func (detachedService) GetNextTask(context.Context, watchdog.PoolName) (*watchdog.TaskExecution, error) {
	return nil, errDetached
}

func (detachedService) CancelExecutingTask(context.Context, watchdog.PoolName) (bool, error) {
	return false, errDetached
}

func (detachedService) SetTaskDone(context.Context, watchdog.PoolName) (bool, error) {
	return false, errDetached
}

func (detachedService) ExecuteTask(context.Context, watchdog.TaskName) (bool, error) {
	return false, errDetached
}
