package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/marketlink/connect-console/internal/safego"
)

const shipTimeout = 10 * time.Second

// Recorder ships events in the background so a slow destination never delays
// the request that produced them.
type Recorder struct {
	shipper     Shipper
	logFailures bool
	now         func() time.Time
}

// NewRecorder returns a Recorder shipping to shipper. When logFailures is false
// ActionConnectFailed events are dropped.
func NewRecorder(shipper Shipper, logFailures bool) *Recorder {
	return &Recorder{shipper: shipper, logFailures: logFailures, now: time.Now}
}

// Record stamps event and ships it asynchronously. A nil Recorder discards it.
func (r *Recorder) Record(event Event) {
	if r == nil || r.shipper == nil {
		return
	}
	if event.Action == ActionConnectFailed && !r.logFailures {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}

	safego.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		defer cancel()
		if err := r.shipper.Ship(ctx, &event); err != nil {
			slog.Warn("failed to ship audit event", "action", event.Action, "scope", event.Scope, "error", err)
		}
	})
}
