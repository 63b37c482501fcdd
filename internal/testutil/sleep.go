// Package testutil provides deterministic time helpers for harness tests.
package testutil

import (
	"sync"
	"time"
)

// SleepRecorder is an injectable replacement for time.Sleep that returns
// immediately and records every requested delay.
//
// This lets tests of the poller and orchestrator verify settle delays and
// the bounded-retry contract without spending wall-clock time.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type SleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

// Sleep records the requested duration and returns immediately.
func (r *SleepRecorder) Sleep(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, d)
}

// Calls returns a copy of the recorded delays, in call order.
func (r *SleepRecorder) Calls() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns the number of recorded sleeps.
func (r *SleepRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Total returns the sum of all recorded delays.
func (r *SleepRecorder) Total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total time.Duration
	for _, d := range r.calls {
		total += d
	}
	return total
}

// Reset clears the recorded delays for test reuse.
func (r *SleepRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
