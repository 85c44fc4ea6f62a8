package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/task"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Exec) ([]byte, error) {
		logger.Info("task attempt started",
			slog.String("kind", t.Kind),
			slog.String("task_id", t.ID.String()),
			slog.Int("attempt", t.RetryCount+1),
		)

		start := time.Now()
		out, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task attempt failed",
				slog.String("kind", t.Kind),
				slog.String("task_id", t.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task attempt completed",
				slog.String("kind", t.Kind),
				slog.String("task_id", t.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return out, err
	}
}
