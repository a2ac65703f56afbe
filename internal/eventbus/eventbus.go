package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/logger"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 100

// ErrBusClosed is returned by Publish after Shutdown.
var ErrBusClosed = errors.New("event bus is shut down")

// Publisher defines the interface for publishing events.
// This interface enables testing with mock implementations.
type Publisher interface {
	Publish(event domain.Event) error
	Subscribe(eventType domain.EventType, handler func(domain.Event))
}

// Ensure EventBus implements Publisher
var _ Publisher = (*EventBus)(nil)

// EventBus fans lifecycle events out to in-process subscribers. Events are
// not persisted: a scan's only durable artifact is the offset its client holds.
type EventBus struct {
	subscribers map[domain.EventType][]chan domain.Event
	wildcard    []chan domain.Event
	mu          sync.RWMutex
	stopChan    chan struct{}
	closed      atomic.Bool
	dropped     atomic.Int64
	wg          sync.WaitGroup
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[domain.EventType][]chan domain.Event),
		stopChan:    make(chan struct{}),
	}
}

func (eb *EventBus) Publish(event domain.Event) error {
	if eb.closed.Load() {
		return ErrBusClosed
	}
	logger.Debugf("EventBus: Publishing event %s (AggregateID: %s)", event.EventType, event.AggregateID)

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	deliver := func(ch chan domain.Event) {
		select {
		case ch <- event:
		default:
			// Non-blocking, drop if buffer full to prevent blocking the scan
			eb.dropped.Add(1)
		}
	}
	for _, ch := range eb.subscribers[event.EventType] {
		deliver(ch)
	}
	for _, ch := range eb.wildcard {
		deliver(ch)
	}
	return nil
}

// Subscribe runs handler for every event of eventType on its own goroutine.
func (eb *EventBus) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	ch := make(chan domain.Event, subscriberBuffer)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	eb.mu.Unlock()

	eb.consume(ch, handler)
}

// SubscribeAll runs handler for every event regardless of type.
func (eb *EventBus) SubscribeAll(handler func(domain.Event)) {
	ch := make(chan domain.Event, subscriberBuffer)

	eb.mu.Lock()
	eb.wildcard = append(eb.wildcard, ch)
	eb.mu.Unlock()

	eb.consume(ch, handler)
}

func (eb *EventBus) consume(ch chan domain.Event, handler func(domain.Event)) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for {
			select {
			case event := <-ch:
				eb.safeHandle(event, handler)
			case <-eb.stopChan:
				return // Shutdown signal received
			}
		}
	}()
}

func (eb *EventBus) safeHandle(event domain.Event, handler func(domain.Event)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("EventBus: handler for %s panicked: %v", event.EventType, r)
		}
	}()
	handler(event)
}

// Dropped returns how many deliveries were discarded because a subscriber was full.
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// Shutdown stops all subscriber goroutines and waits for them to finish
func (eb *EventBus) Shutdown() {
	if !eb.closed.CompareAndSwap(false, true) {
		return
	}
	close(eb.stopChan)
	eb.wg.Wait()
	logger.Infof("EventBus shutdown complete")
}
