package domain

import (
	"time"
)

type EventType string

const (
	ScanStarted   EventType = "ScanStarted"
	ScanProgress  EventType = "ScanProgress"
	ScanCompleted EventType = "ScanCompleted"
	ScanFailed    EventType = "ScanFailed"

	LocationsImported EventType = "LocationsImported"
	LocationsRestored EventType = "LocationsRestored"
	LocationsPurged   EventType = "LocationsPurged"

	NotificationSent   EventType = "NotificationSent"
	NotificationFailed EventType = "NotificationFailed"
)

// Event is a lifecycle notification carried on the in-process event bus.
type Event struct {
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	CreatedAt     time.Time              `json:"created_at"`
}

// GetString extracts a string field from EventData.
func (e *Event) GetString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key].(string)
	return v, ok
}

// GetStringOr extracts a string field or returns the default value.
func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

// GetInt64 extracts an integer field from EventData.
// Handles int, int64 and float64 (JSON round-trips produce float64).
func (e *Event) GetInt64(key string) (int64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetInt64Or extracts an integer field or returns the default value.
func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

// GetFloat64 extracts a numeric field as float64.
func (e *Event) GetFloat64(key string) (float64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
