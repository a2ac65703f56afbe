package pipeline

import (
	"context"
	"errors"

	"github.com/goccy/go-json"

	"github.com/mescon/panoguard/internal/domain"
)

// EventType is the "type" field of a progress frame.
type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Counters are the running totals of one scan. Availability scans use
// Checked, Removed and Indeterminate; refresh scans use Updated and Failed.
type Counters struct {
	Processed     int64 `json:"processed"`
	Checked       int64 `json:"checked"`
	Removed       int64 `json:"removed"`
	Skipped       int64 `json:"skipped"`
	Indeterminate int64 `json:"indeterminate"`
	Updated       int64 `json:"updated"`
	Failed        int64 `json:"failed"`
}

// Event is one frame of the progress stream.
type Event struct {
	Type       EventType
	ScanID     string
	Mode       domain.ScanMode
	MapID      int64
	Total      int64
	Offset     int64
	Counters   Counters
	DurationMS int64
	Message    string
}

// MarshalJSON writes only the fields that belong to the event's type and mode.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventStart:
		return json.Marshal(struct {
			Type   EventType       `json:"type"`
			ScanID string          `json:"scan_id"`
			Mode   domain.ScanMode `json:"mode"`
			MapID  int64           `json:"map_id"`
			Total  int64           `json:"total"`
			Offset int64           `json:"offset"`
		}{e.Type, e.ScanID, e.Mode, e.MapID, e.Total, e.Offset})

	case EventError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
			Offset  int64     `json:"offset"`
		}{e.Type, e.Message, e.Offset})
	}

	var duration *int64
	if e.Type == EventDone {
		duration = &e.DurationMS
	}
	c := e.Counters
	if e.Mode == domain.ModeRefresh {
		return json.Marshal(struct {
			Type       EventType `json:"type"`
			Processed  int64     `json:"processed"`
			Updated    int64     `json:"updated"`
			Failed     int64     `json:"failed"`
			Skipped    int64     `json:"skipped"`
			Offset     int64     `json:"offset"`
			DurationMS *int64    `json:"duration_ms,omitempty"`
		}{e.Type, c.Processed, c.Updated, c.Failed, c.Skipped, e.Offset, duration})
	}
	return json.Marshal(struct {
		Type          EventType `json:"type"`
		Processed     int64     `json:"processed"`
		Checked       int64     `json:"checked"`
		Removed       int64     `json:"removed"`
		Skipped       int64     `json:"skipped"`
		Indeterminate int64     `json:"indeterminate"`
		Offset        int64     `json:"offset"`
		DurationMS    *int64    `json:"duration_ms,omitempty"`
	}{e.Type, c.Processed, c.Checked, c.Removed, c.Skipped, c.Indeterminate, e.Offset, duration})
}

// Sink receives progress frames. A returned error means the receiver is gone.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// ErrEmitterClosed is returned for any event after done or error.
var ErrEmitterClosed = errors.New("progress stream already terminated")

// ProgressEmitter enforces the frame order of one scan: a single start,
// progress frames, then exactly one of done or error. An error frame is
// only sent once start has been.
type ProgressEmitter struct {
	sink        Sink
	scanID      string
	mode        domain.ScanMode
	mapID       int64
	startOffset int64
	started     bool
	terminated  bool
}

// NewProgressEmitter creates an emitter for one scan.
func NewProgressEmitter(sink Sink, scanID string, mode domain.ScanMode, mapID, startOffset int64) *ProgressEmitter {
	return &ProgressEmitter{
		sink:        sink,
		scanID:      scanID,
		mode:        mode,
		mapID:       mapID,
		startOffset: startOffset,
	}
}

// Start sends the start frame.
func (e *ProgressEmitter) Start(ctx context.Context, total int64) error {
	if e.started || e.terminated {
		return ErrEmitterClosed
	}
	e.started = true
	return e.sink.Send(ctx, Event{
		Type:   EventStart,
		ScanID: e.scanID,
		Mode:   e.mode,
		MapID:  e.mapID,
		Total:  total,
		Offset: e.startOffset,
	})
}

// Progress sends the current counters.
func (e *ProgressEmitter) Progress(ctx context.Context, c Counters) error {
	if !e.started || e.terminated {
		return ErrEmitterClosed
	}
	return e.sink.Send(ctx, Event{
		Type:     EventProgress,
		Mode:     e.mode,
		Counters: c,
		Offset:   e.startOffset + c.Processed,
	})
}

// Done sends the final counters and closes the emitter.
func (e *ProgressEmitter) Done(ctx context.Context, c Counters, durationMS int64) error {
	if !e.started || e.terminated {
		return ErrEmitterClosed
	}
	e.terminated = true
	return e.sink.Send(ctx, Event{
		Type:       EventDone,
		Mode:       e.mode,
		Counters:   c,
		Offset:     e.startOffset + c.Processed,
		DurationMS: durationMS,
	})
}

// Error sends an error frame and closes the emitter. Without a prior start
// nothing is sent.
func (e *ProgressEmitter) Error(ctx context.Context, message string, processed int64) error {
	if !e.started || e.terminated {
		e.terminated = true
		return ErrEmitterClosed
	}
	e.terminated = true
	return e.sink.Send(ctx, Event{
		Type:    EventError,
		Mode:    e.mode,
		Message: message,
		Offset:  e.startOffset + processed,
	})
}
