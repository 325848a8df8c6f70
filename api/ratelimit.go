package api

import (
	"sync"
	"time"
)

// slidingWindow is an in-memory request limiter: per key it keeps the
// timestamps inside the window and rejects once the budget is spent.
type slidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	calls  map[string][]time.Time
}

func newSlidingWindow(window time.Duration) *slidingWindow {
	return &slidingWindow{
		window: window,
		calls:  make(map[string][]time.Time),
	}
}

// Allow records a call under key and reports whether it fits the
// budget. Expired timestamps are pruned on every check.
func (sw *slidingWindow) Allow(key string, max int) bool {
	if max <= 0 {
		return true
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-sw.window)
	kept := sw.calls[key][:0]
	for _, t := range sw.calls[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= max {
		sw.calls[key] = kept
		return false
	}
	sw.calls[key] = append(kept, now)
	return true
}
