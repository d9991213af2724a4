package batch

import (
	"context"
	"sync"
	"time"
)

// slidingWindow admits at most limit calls per trailing window. Unlike
// a leaky bucket it allows bursts up to the full budget, which matches
// how the Gemini quota is enforced.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newSlidingWindow(limit int) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: time.Minute,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait blocks until a call slot is available, then claims it. When the
// window is full it sleeps until the oldest recorded call ages out.
func (w *slidingWindow) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := w.now()

		// Drop timestamps older than the window.
		cutoff := now.Add(-w.window)
		keep := w.times[:0]
		for _, t := range w.times {
			if t.After(cutoff) {
				keep = append(keep, t)
			}
		}
		w.times = keep

		if len(w.times) < w.limit {
			w.times = append(w.times, now)
			w.mu.Unlock()
			return nil
		}

		waitFor := w.window - now.Sub(w.times[0])
		w.mu.Unlock()

		if err := w.sleep(ctx, waitFor); err != nil {
			return err
		}
	}
}
