package dispatch

import (
	"go.uber.org/zap"

	"webagentaa/internal/core"
)

// Progress receives a notification when each task starts and finishes.
// Implementations must be safe for concurrent use.
type Progress interface {
	TaskStarted(index int, task core.TaskSpec)
	TaskFinished(index int, outcome core.TaskOutcome)
}

// NoopProgress ignores all notifications.
type NoopProgress struct{}

func (NoopProgress) TaskStarted(int, core.TaskSpec)     {}
func (NoopProgress) TaskFinished(int, core.TaskOutcome) {}

// MultiProgress fans notifications out to several observers.
type MultiProgress []Progress

func (m MultiProgress) TaskStarted(index int, task core.TaskSpec) {
	for _, p := range m {
		p.TaskStarted(index, task)
	}
}

func (m MultiProgress) TaskFinished(index int, outcome core.TaskOutcome) {
	for _, p := range m {
		p.TaskFinished(index, outcome)
	}
}

// LogProgress writes task lifecycle events to a zap logger.
type LogProgress struct {
	Logger *zap.Logger
	Total  int
}

func (l LogProgress) TaskStarted(index int, task core.TaskSpec) {
	l.logger().Info("task started",
		zap.Int("test", index+1),
		zap.Int("of", l.Total),
		zap.String("scenario", task.Name),
		zap.String("category", task.Category),
		zap.String("priority", task.Priority),
	)
}

func (l LogProgress) TaskFinished(index int, outcome core.TaskOutcome) {
	fields := []zap.Field{
		zap.Int("test", index+1),
		zap.String("scenario", outcome.Task.Name),
		zap.String("status", string(outcome.Status)),
		zap.Duration("duration", outcome.Duration()),
		zap.Int("steps", len(outcome.Steps)),
	}
	if outcome.Succeeded() {
		l.logger().Info("task finished", fields...)
		return
	}
	fields = append(fields, zap.String("error", outcome.Error))
	l.logger().Warn("task finished", fields...)
}

func (l LogProgress) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}
