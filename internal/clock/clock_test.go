package clock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	c := NewRealClock()

	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestRealClock_AfterFuncStop(t *testing.T) {
	c := NewRealClock()

	var fired atomic.Bool
	timer := c.AfterFunc(time.Hour, func() { fired.Store(true) })
	if !timer.Stop() {
		t.Error("Stop() on a pending timer should return true")
	}
	if timer.Stop() {
		t.Error("second Stop() should return false")
	}
	if fired.Load() {
		t.Error("stopped timer must not fire")
	}
}

func TestSleep(t *testing.T) {
	c := NewRealClock()

	tests := []struct {
		name    string
		d       time.Duration
		cancel  bool
		wantErr error
	}{
		{"zero returns immediately", 0, false, nil},
		{"negative returns immediately", -time.Second, false, nil},
		{"short sleep completes", 5 * time.Millisecond, false, nil},
		{"cancelled context aborts", time.Hour, true, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				go func() {
					time.Sleep(10 * time.Millisecond)
					cancel()
				}()
			}

			err := Sleep(ctx, c, tt.d)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Sleep() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSleep_ZeroOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, NewRealClock(), 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep(0) on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestSince(t *testing.T) {
	c := NewRealClock()
	start := c.Now().Add(-time.Second)
	if got := Since(c, start); got < time.Second {
		t.Errorf("Since() = %v, want >= 1s", got)
	}
}
