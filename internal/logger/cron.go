package logger

import (
	"context"

	"github.com/robfig/cron/v3"
)

// cronLogger routes robfig/cron's internal logging through the global logger.
type cronLogger struct {
	component string
}

var _ cron.Logger = cronLogger{}

// CronLogger returns a cron.Logger tagged with component.
func CronLogger(component string) cron.Logger {
	return cronLogger{component: component}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	Debug(context.Background(), msg, append([]any{"component", l.component}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	ErrorWithErr(context.Background(), msg, err, append([]any{"component", l.component}, keysAndValues...)...)
}
