package service

import (
	"context"

	"go.uber.org/zap"
)

// Alerter routes infrastructure failures to operators. Validation failures
// are logged by callers and never reach it.
type Alerter interface {
	Critical(ctx context.Context, msg string, err error, fields ...zap.Field)
}

// LogAlerter emits alerts as error logs tagged alert=true for log-based paging.
type LogAlerter struct {
	Log *zap.Logger
}

func NewLogAlerter(log *zap.Logger) *LogAlerter {
	return &LogAlerter{Log: log.Named("alert")}
}

func (a *LogAlerter) Critical(_ context.Context, msg string, err error, fields ...zap.Field) {
	a.Log.Error(msg, append(fields, zap.Bool("alert", true), zap.Error(err))...)
}
