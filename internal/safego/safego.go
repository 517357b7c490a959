// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"context"
	"log/slog"
	"time"
)

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged rather than crashing the process. Use it for every fire-and-forget
// goroutine (last-used updates, download records, background jobs).
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}

// GoWithTimeout runs fn in a panic-safe goroutine with its own context that is
// detached from any request and cancelled after timeout.
func GoWithTimeout(timeout time.Duration, fn func(ctx context.Context)) {
	Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	})
}
