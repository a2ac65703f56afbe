// Package testutil provides test utilities including mocks, fixtures, and test database helpers.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mescon/panoguard/internal/clock"
	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/streetview"
)

// =============================================================================
// MockClock - Testable time abstraction
// =============================================================================

// MockClock implements clock.Clock for testing, providing deterministic control
// over pacing delays. With auto-fire enabled every AfterFunc runs at once and
// the clock jumps forward by the requested duration.
type MockClock struct {
	mu           sync.Mutex
	now          time.Time
	pendingFuncs []pendingFunc
	autoFire     bool
	requested    []time.Duration
}

type pendingFunc struct {
	executeAt time.Time
	fn        func()
	stopped   bool
}

// MockTimer implements clock.Timer for testing.
type MockTimer struct {
	clock *MockClock
	index int
}

// Compile-time assertion that MockClock implements clock.Clock
var _ clock.Clock = (*MockClock)(nil)

// NewMockClock creates a new MockClock with the current time as initial value.
func NewMockClock() *MockClock {
	return &MockClock{
		now: time.Now(),
	}
}

// NewAutoClock creates a MockClock that fires every timer immediately.
func NewAutoClock() *MockClock {
	return &MockClock{
		now:      time.Now(),
		autoFire: true,
	}
}

// Now returns the mock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to be called after duration d.
func (m *MockClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requested = append(m.requested, d)
	index := len(m.pendingFuncs)

	if m.autoFire {
		m.now = m.now.Add(d)
		m.pendingFuncs = append(m.pendingFuncs, pendingFunc{executeAt: m.now, fn: f, stopped: true})
		go f()
		return &MockTimer{clock: m, index: index}
	}

	m.pendingFuncs = append(m.pendingFuncs, pendingFunc{
		executeAt: m.now.Add(d),
		fn:        f,
	})
	return &MockTimer{clock: m, index: index}
}

// Requested returns every duration passed to AfterFunc, in order.
func (m *MockClock) Requested() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.requested))
	copy(out, m.requested)
	return out
}

// Advance moves time forward by the given duration and executes any functions
// whose scheduled time has passed. Returns the number of functions executed.
func (m *MockClock) Advance(d time.Duration) int {
	m.mu.Lock()
	newTime := m.now.Add(d)
	m.now = newTime

	var toExecute []func()
	for i := range m.pendingFuncs {
		pf := &m.pendingFuncs[i]
		if !pf.stopped && !pf.executeAt.After(newTime) {
			toExecute = append(toExecute, pf.fn)
			pf.stopped = true
		}
	}
	m.mu.Unlock()

	// Execute outside the lock to avoid deadlocks
	for _, fn := range toExecute {
		fn()
	}
	return len(toExecute)
}

// PendingCount returns the number of scheduled functions that haven't been
// executed or stopped.
func (m *MockClock) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, pf := range m.pendingFuncs {
		if !pf.stopped {
			count++
		}
	}
	return count
}

// Stop prevents the timer from firing. Returns true if the timer was stopped,
// false if it had already fired or been stopped.
func (t *MockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.index < len(t.clock.pendingFuncs) && !t.clock.pendingFuncs[t.index].stopped {
		t.clock.pendingFuncs[t.index].stopped = true
		return true
	}
	return false
}

// =============================================================================
// MockResolver - scripted Street View responses
// =============================================================================

// MockCall records a method call for verification in tests.
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockResolver answers resolver calls from per-pano scripts. A pano id absent
// from every map exists and resolves to itself.
type MockResolver struct {
	// Missing pano ids report "does not exist" / NotFound.
	Missing map[string]bool
	// Errors pano ids fail with the given error.
	Errors map[string]error
	// Panics pano ids make CheckExists panic.
	Panics map[string]bool
	// ByCoordinate scripts coordinate lookups keyed by "lat,lng".
	ByCoordinate map[string]domain.Resolution
	// ByID scripts id lookups, overriding Missing and Errors.
	ByID map[string]domain.Resolution
	// Delay is slept inside every call, to make overlap observable.
	Delay time.Duration

	inFlight    atomic.Int64
	maxInFlight atomic.Int64

	mu    sync.Mutex
	Calls []MockCall
}

// NewMockResolver creates an empty resolver where every panorama exists.
func NewMockResolver() *MockResolver {
	return &MockResolver{
		Missing:      make(map[string]bool),
		Errors:       make(map[string]error),
		Panics:       make(map[string]bool),
		ByCoordinate: make(map[string]domain.Resolution),
		ByID:         make(map[string]domain.Resolution),
	}
}

// CoordKey formats the ByCoordinate key for a coordinate.
func CoordKey(lat, lng float64) string {
	return fmt.Sprintf("%g,%g", lat, lng)
}

func (m *MockResolver) enter(method string, args ...interface{}) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
	m.mu.Unlock()

	n := m.inFlight.Add(1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
}

func (m *MockResolver) leave() {
	m.inFlight.Add(-1)
}

// MaxInFlight returns the highest number of simultaneous calls observed.
func (m *MockResolver) MaxInFlight() int64 {
	return m.maxInFlight.Load()
}

// CallCount returns the number of times a method was called.
func (m *MockResolver) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, call := range m.Calls {
		if call.Method == method {
			count++
		}
	}
	return count
}

// CalledWith reports whether method was called with first argument arg.
func (m *MockResolver) CalledWith(method string, arg interface{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, call := range m.Calls {
		if call.Method == method && len(call.Args) > 0 && call.Args[0] == arg {
			return true
		}
	}
	return false
}

func (m *MockResolver) CheckExists(ctx context.Context, panoID string) (bool, error) {
	m.enter("CheckExists", panoID)
	defer m.leave()

	if m.Panics[panoID] {
		panic("resolver exploded for " + panoID)
	}
	if err := m.Errors[panoID]; err != nil {
		return false, err
	}
	return !m.Missing[panoID], nil
}

func (m *MockResolver) ResolveByCoordinate(ctx context.Context, lat, lng float64, radius int) domain.Resolution {
	key := CoordKey(lat, lng)
	m.enter("ResolveByCoordinate", key, radius)
	defer m.leave()

	if res, ok := m.ByCoordinate[key]; ok {
		return res
	}
	return domain.Resolution{Status: domain.NotFound}
}

func (m *MockResolver) ResolveByID(ctx context.Context, panoID string) domain.Resolution {
	m.enter("ResolveByID", panoID)
	defer m.leave()

	if res, ok := m.ByID[panoID]; ok {
		return res
	}
	if err := m.Errors[panoID]; err != nil {
		return domain.Resolution{Status: domain.TransientError, Err: err}
	}
	if m.Missing[panoID] {
		return domain.Resolution{Status: domain.NotFound}
	}
	return domain.Resolution{Status: domain.Resolved, Pano: domain.Panorama{PanoID: panoID}}
}

// ResolveInput parses input like the real client and dispatches to the
// scripted id or coordinate lookup.
func (m *MockResolver) ResolveInput(ctx context.Context, input string, radius int) domain.Resolution {
	link, ok := streetview.ParseLink(input)
	if !ok {
		return domain.Resolution{Status: domain.NotFound}
	}
	if link.PanoID != "" {
		return m.ResolveByID(ctx, link.PanoID)
	}
	return m.ResolveByCoordinate(ctx, link.Lat, link.Lng, radius)
}

// =============================================================================
// RecordingSink - captures progress frames
// =============================================================================

// RecordingSink stores every event it receives. FailAfter > 0 makes the
// sink fail once that many events were accepted, simulating a disconnect.
type RecordingSink[E any] struct {
	mu        sync.Mutex
	events    []E
	FailAfter int
	OnSend    func(E)
}

// Send records ev.
func (s *RecordingSink[E]) Send(ctx context.Context, ev E) error {
	s.mu.Lock()
	if s.FailAfter > 0 && len(s.events) >= s.FailAfter {
		s.mu.Unlock()
		return fmt.Errorf("sink closed")
	}
	s.events = append(s.events, ev)
	hook := s.OnSend
	s.mu.Unlock()

	if hook != nil {
		hook(ev)
	}
	return nil
}

// Events returns a copy of the recorded events.
func (s *RecordingSink[E]) Events() []E {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]E, len(s.events))
	copy(out, s.events)
	return out
}

// =============================================================================
// MockPublisher - captures event bus traffic
// =============================================================================

// MockPublisher records published events.
type MockPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	Err    error
}

// Publish records event.
func (m *MockPublisher) Publish(event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, event)
	return nil
}

// Subscribe is a no-op; tests inspect Events instead.
func (m *MockPublisher) Subscribe(eventType domain.EventType, handler func(domain.Event)) {}

// Events returns a copy of the published events.
func (m *MockPublisher) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOfType returns the published events of type t.
func (m *MockPublisher) EventsOfType(t domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}
