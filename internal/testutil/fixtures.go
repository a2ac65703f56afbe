package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/mescon/panoguard/internal/domain"
)

// EventOption is a functional option for configuring test events.
type EventOption func(*domain.Event)

// WithAggregateID sets a specific aggregate ID.
func WithAggregateID(id string) EventOption {
	return func(e *domain.Event) {
		e.AggregateID = id
	}
}

// WithEventData merges additional data into EventData.
func WithEventData(data map[string]interface{}) EventOption {
	return func(e *domain.Event) {
		if e.EventData == nil {
			e.EventData = make(map[string]interface{})
		}
		for k, v := range data {
			e.EventData[k] = v
		}
	}
}

func newScanEvent(t domain.EventType, mapID int64, mode domain.ScanMode, opts []EventOption) domain.Event {
	event := domain.Event{
		AggregateType: "scan",
		AggregateID:   uuid.New().String(),
		EventType:     t,
		CreatedAt:     time.Now(),
		EventData: map[string]interface{}{
			"map_id": mapID,
			"mode":   string(mode),
		},
	}
	for _, opt := range opts {
		opt(&event)
	}
	return event
}

// NewScanStartedEvent creates a ScanStarted event for testing.
func NewScanStartedEvent(mapID int64, mode domain.ScanMode, opts ...EventOption) domain.Event {
	return newScanEvent(domain.ScanStarted, mapID, mode, opts)
}

// NewScanCompletedEvent creates a ScanCompleted event with final counters.
func NewScanCompletedEvent(mapID int64, mode domain.ScanMode, processed, removed int64, opts ...EventOption) domain.Event {
	opts = append([]EventOption{WithEventData(map[string]interface{}{
		"processed":   processed,
		"removed":     removed,
		"duration_ms": int64(1500),
	})}, opts...)
	return newScanEvent(domain.ScanCompleted, mapID, mode, opts)
}

// NewScanFailedEvent creates a ScanFailed event for testing.
func NewScanFailedEvent(mapID int64, mode domain.ScanMode, reason string, opts ...EventOption) domain.Event {
	opts = append([]EventOption{WithEventData(map[string]interface{}{
		"error": reason,
	})}, opts...)
	return newScanEvent(domain.ScanFailed, mapID, mode, opts)
}
