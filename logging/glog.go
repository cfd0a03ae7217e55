// Package logging adapts go-logger to the runtime Logger contract.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-watchdog/durable"
)

// Adapter exposes a glog.Logger as a durable.Logger.
type Adapter struct {
	logger glog.Logger
}

var (
	_ durable.Logger       = Adapter{}
	_ durable.FieldsLogger = Adapter{}
)

// New builds a go-logger backed logger. json selects structured JSON output.
func New(out io.Writer, level string, json bool) Adapter {
	if out == nil {
		out = os.Stderr
	}
	if json {
		return Adapter{logger: glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level), glog.WithLoggerTypeJSON())}
	}
	return Adapter{logger: glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level))}
}

// Wrap adapts an existing glog.Logger.
func Wrap(logger glog.Logger) Adapter {
	return Adapter{logger: logger}
}

func (l Adapter) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l Adapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l Adapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l Adapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l Adapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l Adapter) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l Adapter) WithContext(ctx context.Context) durable.Logger {
	return Adapter{logger: l.logger.WithContext(ctx)}
}

func (l Adapter) WithFields(fields map[string]any) durable.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return Adapter{logger: fl.WithFields(fields)}
	}
	return l
}
