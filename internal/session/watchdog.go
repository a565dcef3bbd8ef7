package session

import (
	"context"
	"log/slog"
	"time"
)

// watch cancels the run with ErrTimerStalled when the tick loop has not completed a tick
// for watchSamples consecutive samples. A tick blocked on the sink counts as stalled.
func (s *Session) watch(ctx context.Context, cancel context.CancelCauseFunc) {
	t := time.NewTicker(s.watchEvery)
	defer t.Stop()

	last, stale := s.ticks.Load(), 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if cur := s.ticks.Load(); cur != last {
			last, stale = cur, 0
			continue
		}

		stale++
		if stale < s.watchSamples {
			continue
		}

		slog.ErrorContext(ctx, "session: stale timer detected", "group", s.groupID, "session", s.id, "samples", stale)
		cancel(ErrTimerStalled)
		return
	}
}
