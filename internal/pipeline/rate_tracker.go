package pipeline

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// RateTracker records the gaps between successive events and turns them into
// a rolling rate. It is safe for concurrent use: stages record from their own
// goroutine while metric getters read from request handlers.
type RateTracker struct {
	mu        sync.Mutex
	window    int
	durations []float64 // seconds
	last      time.Time
	start     time.Time
	now       func() time.Time
}

// NewRateTracker creates a tracker keeping the last window durations.
// A window of 0 keeps every recorded duration.
func NewRateTracker(window int) *RateTracker {
	return &RateTracker{
		window: window,
		now:    time.Now,
	}
}

// Record appends the time elapsed since the previous Record. The first call
// only establishes the baseline.
func (t *RateTracker) Record() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.last.IsZero() {
		t.durations = append(t.durations, now.Sub(t.last).Seconds())
		if t.window > 0 && len(t.durations) > t.window {
			t.durations = t.durations[len(t.durations)-t.window:]
		}
	}
	t.last = now
}

// Rate returns n divided by the average recorded duration, i.e. events per
// second when n is 1 or frames per second when each event covers n frames.
// It returns RateUnknown until a duration has been recorded.
func (t *RateTracker) Rate(n int) float64 {
	avg := t.Average()
	if avg <= 0 {
		return RateUnknown
	}
	return float64(n) / avg.Seconds()
}

// Average returns the mean recorded duration, or 0 when nothing is recorded.
func (t *RateTracker) Average() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.durations) == 0 {
		return 0
	}
	return time.Duration(stat.Mean(t.durations, nil) * float64(time.Second))
}

// Jitter returns the standard deviation of the recorded durations.
func (t *RateTracker) Jitter() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.durations) < 2 {
		return 0
	}
	return time.Duration(stat.StdDev(t.durations, nil) * float64(time.Second))
}

// SetStart captures the reference timestamp for Elapsed.
func (t *RateTracker) SetStart() {
	t.mu.Lock()
	t.start = t.now()
	t.mu.Unlock()
}

// Elapsed returns the time since SetStart, or 0 if it was never called.
func (t *RateTracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.start.IsZero() {
		return 0
	}
	return t.now().Sub(t.start)
}

// HasAtLeast reports whether k durations have been recorded.
func (t *RateTracker) HasAtLeast(k int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.durations) >= k
}

// Count returns the number of durations currently held.
func (t *RateTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.durations)
}
