// Package clock abstracts time so pacing and durations can be driven by tests.
package clock

import (
	"context"
	"time"
)

// Clock provides the time operations the scan pipeline depends on.
type Clock interface {
	// AfterFunc waits for the duration to elapse and then calls f in its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer
	// Now returns the current time.
	Now() time.Time
}

// Timer represents a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the Timer from firing. Returns false if it already fired or was stopped.
	Stop() bool
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// NewRealClock creates a new RealClock.
func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Sleep blocks for d on c, returning ctx.Err() if ctx ends first.
// A non-positive duration returns immediately.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	fired := make(chan struct{})
	t := c.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// Since returns the time elapsed on c since start.
func Since(c Clock, start time.Time) time.Duration {
	return c.Now().Sub(start)
}
