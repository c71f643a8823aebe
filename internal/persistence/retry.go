package persistence

import (
	"context"
	"time"

	"sectorfab/internal/sector"
)

// RetryMarkSectorDirty calls store.MarkSectorDirty with exponential
// backoff on failure, per the PersistenceError action in the error
// handling design: log and retry, never block the caller. It is meant
// to be run in its own goroutine -- the orchestrator's event loop never
// awaits it.
func RetryMarkSectorDirty(ctx context.Context, store Store, s sector.Sector, lastSeen time.Time, onErr func(error, int)) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for attempt := 1; ; attempt++ {
		err := store.MarkSectorDirty(ctx, s, lastSeen)
		if err == nil {
			return
		}
		if onErr != nil {
			onErr(err, attempt)
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
