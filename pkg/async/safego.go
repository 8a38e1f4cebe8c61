// Package async provides a panic-safe way to run fire-and-forget background
// work. The session engine uses it for best-effort calls whose failure must
// never disturb foreground state, such as the bootstrap resync refresh.
package async

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/hirewire/sessiond/pkg/observability"
)

// SafeGo executes fn in a goroutine with context cancellation, panic
// recovery, and a timeout. Errors and panics are logged and swallowed.
//
// Use this instead of bare `go func()` for background tasks so a panic in a
// best-effort call cannot take the daemon down.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			// Best-effort by contract; the caller opted out of the result.
			logger.WithError(err).WithField("task", taskName).Debug("background task failed")
		}
	}()
}
