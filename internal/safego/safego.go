// Package safego starts background goroutines that survive panics.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine and recovers any panic it raises, logging the
// panic value with its stack. The metrics listener, the database stats
// collector and audit shipping all run through it, so a bad event or a broken
// shipper costs one background task and never the server.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
