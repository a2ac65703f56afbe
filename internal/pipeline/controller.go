package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mescon/panoguard/internal/clock"
	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/logger"
)

// Store is the persistence a scan needs.
type Store interface {
	WindowReader
	DeletionWriter
	MetadataWriter
	CountLocations(ctx context.Context, mapID int64) (int64, error)
}

// Resolver is the external lookup a scan needs.
type Resolver interface {
	ExistenceChecker
	MetadataResolver
}

// State is the lifecycle position of a Controller.
type State int32

const (
	StateIdle State = iota
	StateCounting
	StateScanning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCounting:
		return "counting"
	case StateScanning:
		return "scanning"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

var (
	// ErrInvalidOffset is returned for a negative resume offset. Nothing is emitted.
	ErrInvalidOffset = errors.New("resume offset must be >= 0")
	// ErrClientGone wraps the cause when the progress receiver disconnected.
	ErrClientGone = errors.New("progress receiver disconnected")
	// ErrAlreadyRun is returned when Run is called twice on one Controller.
	ErrAlreadyRun = errors.New("scan already run")
)

// Options configure one scan.
type Options struct {
	ScanID        string
	MapID         int64
	Mode          domain.ScanMode
	Offset        int64
	WindowSize    int
	Concurrency   int
	RefreshDelay  time.Duration
	ProgressEvery int
	SearchRadius  int
}

// Summary describes a finished scan.
type Summary struct {
	State    State
	Total    int64
	Counters Counters
	Duration time.Duration
}

// Controller drives one scan from counting to completion or abort. A
// Controller runs once; resuming means a new Controller at a later offset.
type Controller struct {
	store     Store
	clock     clock.Clock
	opts      Options
	emitter   *ProgressEmitter
	checker   *AvailabilityChecker
	committer *SoftDeleteCommitter
	refresher *RefreshWorker

	state    atomic.Int32
	counters Counters
	total    int64
}

// NewController wires a scan over store and resolver that reports to sink.
func NewController(store Store, resolver Resolver, clk clock.Clock, sink Sink, opts Options) *Controller {
	if opts.ProgressEvery < 1 {
		opts.ProgressEvery = 1
	}
	return &Controller{
		store:     store,
		clock:     clk,
		opts:      opts,
		emitter:   NewProgressEmitter(sink, opts.ScanID, opts.Mode, opts.MapID, opts.Offset),
		checker:   NewAvailabilityChecker(resolver),
		committer: NewSoftDeleteCommitter(store),
		refresher: NewRefreshWorker(DefaultStrategies(resolver, opts.SearchRadius), store),
	}
}

// State returns the current lifecycle state. Safe for concurrent use.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Run executes the scan. ctx is the liveness of the progress receiver: once it
// ends, the scan stops at the next batch or item boundary. Items already in
// flight are allowed to finish but their batch is not committed.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateCounting)) {
		return Summary{State: c.State()}, ErrAlreadyRun
	}
	started := c.clock.Now()

	if c.opts.Offset < 0 {
		c.state.Store(int32(StateAborted))
		return c.summary(started), ErrInvalidOffset
	}
	if c.opts.Mode != domain.ModeAvailability && c.opts.Mode != domain.ModeRefresh {
		c.state.Store(int32(StateAborted))
		return c.summary(started), fmt.Errorf("unknown scan mode %q", c.opts.Mode)
	}

	total, err := c.store.CountLocations(ctx, c.opts.MapID)
	if err != nil {
		c.state.Store(int32(StateAborted))
		if ctx.Err() != nil {
			return c.summary(started), fmt.Errorf("%w: %w", ErrClientGone, ctx.Err())
		}
		return c.summary(started), fmt.Errorf("failed to count records: %w", err)
	}
	c.total = total

	if err := c.emitter.Start(ctx, total); err != nil {
		err = c.gone(err)
		return c.summary(started), err
	}
	c.state.Store(int32(StateScanning))
	logger.Infof("Scan %s started: map=%d mode=%s total=%d offset=%d", c.opts.ScanID, c.opts.MapID, c.opts.Mode, total, c.opts.Offset)

	it := NewBatchIterator(c.store, c.opts.MapID, c.opts.Offset, total, c.opts.WindowSize)
	if c.opts.Mode == domain.ModeRefresh {
		err = c.runRefresh(ctx, it)
	} else {
		err = c.runAvailability(ctx, it)
	}
	if err != nil {
		return c.summary(started), err
	}

	summary := c.summary(started)
	if err := c.emitter.Done(ctx, c.counters, summary.Duration.Milliseconds()); err != nil {
		err = c.gone(err)
		summary.State = StateAborted
		return summary, err
	}
	c.state.Store(int32(StateCompleted))
	summary.State = StateCompleted
	logger.Infof("Scan %s completed: processed=%d in %v", c.opts.ScanID, c.counters.Processed, summary.Duration)
	return summary, nil
}

func (c *Controller) runAvailability(ctx context.Context, it *BatchIterator) error {
	// Items drain on a context the receiver cannot cancel; commits use ctx.
	itemCtx := context.WithoutCancel(ctx)

	for !it.Done() {
		if err := ctx.Err(); err != nil {
			return c.gone(err)
		}

		batch, err := it.Next(ctx)
		if err != nil {
			return c.storeFailure(ctx, err)
		}
		if len(batch) == 0 {
			break
		}

		results := Execute(itemCtx, batch, c.opts.Concurrency, c.checker.Check)

		if err := ctx.Err(); err != nil {
			return c.gone(err)
		}

		var ids []int64
		for i, r := range results {
			if r.Err == nil && r.Value == VerdictDelete {
				ids = append(ids, batch[i].ID)
			}
		}
		if err := c.committer.Commit(ctx, c.opts.MapID, ids); err != nil {
			return c.storeFailure(ctx, err)
		}

		// The whole batch is persisted, so every prefix of it is a safe resume point.
		for i, r := range results {
			c.counters.Processed++
			switch {
			case r.Err != nil:
				c.counters.Indeterminate++
				logger.Debugf("Scan %s: %v", c.opts.ScanID, r.Err)
			case r.Value == VerdictSkipped:
				c.counters.Skipped++
			case r.Value == VerdictDelete:
				c.counters.Checked++
				c.counters.Removed++
			default:
				c.counters.Checked++
			}

			if c.counters.Processed%int64(c.opts.ProgressEvery) == 0 || i == len(results)-1 {
				if err := c.emitter.Progress(ctx, c.counters); err != nil {
					return c.gone(err)
				}
			}
		}
		logger.Debugf("Scan %s: batch committed, offset=%d removed=%d", c.opts.ScanID, it.Offset(), len(ids))
	}
	return nil
}

func (c *Controller) runRefresh(ctx context.Context, it *BatchIterator) error {
	itemCtx := context.WithoutCancel(ctx)
	resolvedBefore := false

	for !it.Done() {
		if err := ctx.Err(); err != nil {
			return c.gone(err)
		}

		batch, err := it.Next(ctx)
		if err != nil {
			return c.storeFailure(ctx, err)
		}
		if len(batch) == 0 {
			break
		}

		for _, loc := range batch {
			if err := ctx.Err(); err != nil {
				return c.gone(err)
			}

			if !loc.IsDeleted {
				if resolvedBefore {
					if err := clock.Sleep(ctx, c.clock, c.opts.RefreshDelay); err != nil {
						return c.gone(err)
					}
				}
				resolvedBefore = true
			}

			outcome, err := c.refresher.Refresh(itemCtx, loc)
			if err != nil {
				return c.storeFailure(ctx, err)
			}

			c.counters.Processed++
			switch outcome {
			case OutcomeUpdated:
				c.counters.Updated++
			case OutcomeFailed:
				c.counters.Failed++
			case OutcomeSkipped:
				c.counters.Skipped++
			}

			if err := c.emitter.Progress(ctx, c.counters); err != nil {
				return c.gone(err)
			}
		}
	}
	return nil
}

// gone aborts silently: the receiver cannot be told.
func (c *Controller) gone(cause error) error {
	c.state.Store(int32(StateAborted))
	logger.Infof("Scan %s aborted by disconnect at offset %d", c.opts.ScanID, c.opts.Offset+c.counters.Processed)
	return fmt.Errorf("%w: %w", ErrClientGone, cause)
}

// storeFailure aborts with an error frame if the receiver is still there.
func (c *Controller) storeFailure(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		return c.gone(ctx.Err())
	}
	c.state.Store(int32(StateAborted))
	logger.Errorf("Scan %s aborted: %v", c.opts.ScanID, cause)
	if err := c.emitter.Error(ctx, "scan aborted: storage failure", c.counters.Processed); err != nil {
		logger.Debugf("Scan %s: could not deliver error frame: %v", c.opts.ScanID, err)
	}
	return cause
}

func (c *Controller) summary(started time.Time) Summary {
	return Summary{
		State:    c.State(),
		Total:    c.total,
		Counters: c.counters,
		Duration: clock.Since(c.clock, started),
	}
}
