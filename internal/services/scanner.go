package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mescon/panoguard/internal/clock"
	"github.com/mescon/panoguard/internal/config"
	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/eventbus"
	"github.com/mescon/panoguard/internal/logger"
	"github.com/mescon/panoguard/internal/pipeline"
)

var (
	// ErrScanInProgress is returned when the map already has an active scan.
	ErrScanInProgress = errors.New("a scan of this map is already in progress")
	// ErrScanNotFound is returned when cancelling an unknown scan.
	ErrScanNotFound = errors.New("scan not found")
	// ErrShuttingDown is returned for scans requested after Shutdown.
	ErrShuttingDown = errors.New("scanner is shutting down")
)

// Scan triggers.
const (
	TriggerAPI      = "api"
	TriggerSchedule = "schedule"
)

// Failure reasons carried in ScanFailed events.
const (
	ReasonClientGone = "client_gone"
	ReasonShutdown   = "shutdown"
	ReasonStorage    = "storage"
)

// ScanRequest describes one scan to run.
type ScanRequest struct {
	MapID   int64
	Mode    domain.ScanMode
	Offset  int64
	Trigger string
}

type ScanProgress struct {
	ID          string            `json:"id"`
	MapID       int64             `json:"map_id"`
	Mode        domain.ScanMode   `json:"mode"`
	Trigger     string            `json:"trigger"`
	Total       int64             `json:"total"`
	StartOffset int64             `json:"start_offset"`
	Offset      int64             `json:"offset"`
	Counters    pipeline.Counters `json:"counters"`
	Status      string            `json:"status"` // "counting", "scanning"
	StartTime   string            `json:"start_time"`
	cancel      context.CancelFunc
}

// ScanService runs pipeline scans and keeps track of the ones in flight.
// At most one scan per map runs at a time.
type ScanService struct {
	store       pipeline.Store
	resolver    pipeline.Resolver
	eventBus    eventbus.Publisher
	clock       clock.Clock
	activeScans map[string]*ScanProgress
	mu          sync.Mutex
	closed      bool
	shutdownCh  chan struct{}
	wg          sync.WaitGroup
}

func NewScanService(store pipeline.Store, resolver pipeline.Resolver, eb eventbus.Publisher, clk clock.Clock) *ScanService {
	return &ScanService{
		store:       store,
		resolver:    resolver,
		eventBus:    eb,
		clock:       clk,
		activeScans: make(map[string]*ScanProgress),
		shutdownCh:  make(chan struct{}),
	}
}

// Run executes a scan synchronously, streaming frames to sink. ctx is the
// liveness of the receiver; cancelling it stops the scan at the next boundary.
func (s *ScanService) Run(ctx context.Context, req ScanRequest, sink pipeline.Sink) (pipeline.Summary, error) {
	if req.Offset < 0 {
		return pipeline.Summary{}, pipeline.ErrInvalidOffset
	}
	if _, err := domain.ParseScanMode(string(req.Mode)); err != nil {
		return pipeline.Summary{}, err
	}
	if req.Trigger == "" {
		req.Trigger = TriggerAPI
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	progress, err := s.register(req, cancel)
	if err != nil {
		return pipeline.Summary{}, err
	}
	defer s.deregister(progress.ID)

	cfg := config.Get()
	tracked := &trackingSink{service: s, progress: progress, next: sink}
	ctrl := pipeline.NewController(s.store, s.resolver, s.clock, tracked, pipeline.Options{
		ScanID:        progress.ID,
		MapID:         req.MapID,
		Mode:          req.Mode,
		Offset:        req.Offset,
		WindowSize:    cfg.ScanWindowSize,
		Concurrency:   cfg.ScanConcurrency,
		RefreshDelay:  cfg.RefreshDelay,
		ProgressEvery: cfg.ProgressEvery,
		SearchRadius:  cfg.SearchRadius,
	})

	summary, err := ctrl.Run(scanCtx)
	s.publishOutcome(progress, tracked.started, summary, err)
	return summary, err
}

func (s *ScanService) register(req ScanRequest, cancel context.CancelFunc) (*ScanProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShuttingDown
	}
	for _, scan := range s.activeScans {
		if scan.MapID == req.MapID {
			return nil, ErrScanInProgress
		}
	}

	p := &ScanProgress{
		ID:          uuid.New().String(),
		MapID:       req.MapID,
		Mode:        req.Mode,
		Trigger:     req.Trigger,
		StartOffset: req.Offset,
		Offset:      req.Offset,
		Status:      "counting",
		StartTime:   s.clock.Now().UTC().Format(time.RFC3339),
		cancel:      cancel,
	}
	s.activeScans[p.ID] = p
	s.wg.Add(1)
	return p, nil
}

func (s *ScanService) deregister(id string) {
	s.mu.Lock()
	delete(s.activeScans, id)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *ScanService) publishOutcome(p *ScanProgress, started bool, summary pipeline.Summary, runErr error) {
	data := map[string]interface{}{
		"map_id":  p.MapID,
		"mode":    string(p.Mode),
		"trigger": p.Trigger,
		"total":   summary.Total,
		"offset":  p.StartOffset + summary.Counters.Processed,
	}
	addCounters(data, summary.Counters)

	if runErr == nil {
		data["duration_ms"] = summary.Duration.Milliseconds()
		s.publish(p.ID, domain.ScanCompleted, data)
		return
	}

	reason := ReasonStorage
	if errors.Is(runErr, pipeline.ErrClientGone) {
		reason = ReasonClientGone
		select {
		case <-s.shutdownCh:
			reason = ReasonShutdown
		default:
		}
	}
	logger.Infof("Scan %s of map %d ended early (%s): %v", p.ID, p.MapID, reason, runErr)

	// Without a start frame nobody saw the scan begin.
	if !started {
		return
	}
	data["reason"] = reason
	data["error"] = runErr.Error()
	s.publish(p.ID, domain.ScanFailed, data)
}

func (s *ScanService) publish(scanID string, eventType domain.EventType, data map[string]interface{}) {
	if err := s.eventBus.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   scanID,
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Debugf("Failed to publish %s for scan %s: %v", eventType, scanID, err)
	}
}

func addCounters(data map[string]interface{}, c pipeline.Counters) {
	data["processed"] = c.Processed
	data["checked"] = c.Checked
	data["removed"] = c.Removed
	data["skipped"] = c.Skipped
	data["indeterminate"] = c.Indeterminate
	data["updated"] = c.Updated
	data["failed"] = c.Failed
}

// trackingSink mirrors every frame into the active scan record and the event
// bus before passing it on.
type trackingSink struct {
	service  *ScanService
	progress *ScanProgress
	next     pipeline.Sink
	started  bool
}

func (t *trackingSink) Send(ctx context.Context, ev pipeline.Event) error {
	if err := t.next.Send(ctx, ev); err != nil {
		return err
	}

	s := t.service
	s.mu.Lock()
	p := t.progress
	switch ev.Type {
	case pipeline.EventStart:
		p.Total = ev.Total
		p.Status = "scanning"
	case pipeline.EventProgress, pipeline.EventDone:
		p.Counters = ev.Counters
		p.Offset = ev.Offset
	}
	s.mu.Unlock()

	switch ev.Type {
	case pipeline.EventStart:
		t.started = true
		s.publish(p.ID, domain.ScanStarted, map[string]interface{}{
			"map_id":  p.MapID,
			"mode":    string(p.Mode),
			"trigger": p.Trigger,
			"total":   ev.Total,
			"offset":  ev.Offset,
		})
	case pipeline.EventProgress:
		data := map[string]interface{}{
			"map_id": p.MapID,
			"mode":   string(p.Mode),
			"total":  p.Total,
			"offset": ev.Offset,
		}
		addCounters(data, ev.Counters)
		s.publish(p.ID, domain.ScanProgress, data)
	}
	return nil
}

// LogSink returns a sink for scans nobody is watching.
func LogSink(label string) pipeline.Sink {
	return pipeline.SinkFunc(func(ctx context.Context, ev pipeline.Event) error {
		switch ev.Type {
		case pipeline.EventError:
			logger.Warnf("%s: %s at offset %d", label, ev.Message, ev.Offset)
		case pipeline.EventDone:
			logger.Infof("%s: done, processed=%d removed=%d updated=%d in %dms",
				label, ev.Counters.Processed, ev.Counters.Removed, ev.Counters.Updated, ev.DurationMS)
		default:
			logger.Debugf("%s: %s offset=%d", label, ev.Type, ev.Offset)
		}
		return ctx.Err()
	})
}

// GetActiveScans returns copies of the scans in flight.
func (s *ScanService) GetActiveScans() []ScanProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	scans := make([]ScanProgress, 0, len(s.activeScans))
	for _, scan := range s.activeScans {
		// Return copies to avoid races with the scan goroutine
		scans = append(scans, *scan)
	}
	return scans
}

// IsMapBeingScanned reports whether mapID has an active scan.
func (s *ScanService) IsMapBeingScanned(mapID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, scan := range s.activeScans {
		if scan.MapID == mapID {
			return true
		}
	}
	return false
}

// CancelScan stops an ongoing scan at its next boundary.
func (s *ScanService) CancelScan(scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scan, exists := s.activeScans[scanID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrScanNotFound, scanID)
	}
	if scan.cancel != nil {
		scan.cancel()
	}
	return nil
}

// Shutdown refuses new scans, cancels active ones and waits up to timeout
// for them to reach a boundary.
func (s *ScanService) Shutdown(timeout time.Duration) {
	logger.Infof("Scanner: initiating graceful shutdown...")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.shutdownCh)
	for scanID, scan := range s.activeScans {
		logger.Infof("Scanner: stopping scan %s of map %d at offset %d", scanID, scan.MapID, scan.Offset)
		if scan.cancel != nil {
			scan.cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("Scanner: all scans stopped")
	case <-time.After(timeout):
		logger.Warnf("Scanner: timeout waiting for scans to stop")
	}
}
