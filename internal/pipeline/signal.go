package pipeline

import (
	"context"
	"time"
)

// pollInterval bounds every wait so a missed wake-up never stalls a stage.
const pollInterval = 50 * time.Millisecond

// signal is a broadcast wake-up for goroutines waiting on state guarded by a
// mutex, the channel equivalent of a condition variable. All methods must be
// called with that mutex held.
type signal struct {
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// broadcast wakes every current waiter.
func (s *signal) broadcast() {
	close(s.ch)
	s.ch = make(chan struct{})
}

// wait returns the channel that the next broadcast closes.
func (s *signal) wait() <-chan struct{} {
	return s.ch
}

// sleepOn blocks until ch is closed, the timeout elapses or ctx is done.
// It reports false only when ctx is done.
func sleepOn(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return false
	}
	return true
}
