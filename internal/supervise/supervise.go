// Package supervise restarts long-running goroutines that panic.
package supervise

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// Loop calls fn until it returns normally or ctx is done. When fn panics, the
// panic is logged and fn is called again after delay. State kept outside fn
// survives the restart.
//
// Loop returns the number of restarts.
func Loop(ctx context.Context, log *zap.Logger, delay time.Duration, fn func(ctx context.Context)) int {
	restarts := 0
	for {
		if !run(ctx, log, fn) {
			return restarts
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return restarts
		case <-timer.C:
		}
		restarts++
		log.Info("restarting after panic", zap.Int("restarts", restarts))
	}
}

// run reports whether fn panicked.
func run(ctx context.Context, log *zap.Logger, fn func(ctx context.Context)) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			log.Error("recovered from panic",
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn(ctx)
	return false
}
