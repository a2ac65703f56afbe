package pipeline

import (
	"context"
	"fmt"

	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/logger"
)

// MetadataResolver resolves canonical panorama metadata.
type MetadataResolver interface {
	ResolveByCoordinate(ctx context.Context, lat, lng float64, radius int) domain.Resolution
	ResolveByID(ctx context.Context, panoID string) domain.Resolution
}

// MetadataWriter overwrites a record's panorama id and coordinate.
type MetadataWriter interface {
	UpdateLocationMetadata(ctx context.Context, id int64, pano domain.Panorama) error
}

// Strategy is one way of re-resolving a record.
type Strategy struct {
	Name    string
	Applies func(loc domain.Location) bool
	Resolve func(ctx context.Context, loc domain.Location) domain.Resolution
}

// RefreshOutcome classifies one record in a refresh scan.
type RefreshOutcome int

const (
	OutcomeUpdated RefreshOutcome = iota
	OutcomeFailed
	OutcomeSkipped
)

func (o RefreshOutcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// RefreshWorker is the per-item operation of a refresh scan.
type RefreshWorker struct {
	strategies []Strategy
	writer     MetadataWriter
}

// DefaultStrategies tries the record's coordinate first, then its panorama id.
// A (0,0) coordinate counts as absent.
func DefaultStrategies(resolver MetadataResolver, radius int) []Strategy {
	return []Strategy{
		{
			Name:    "coordinate",
			Applies: domain.Location.HasCoordinate,
			Resolve: func(ctx context.Context, loc domain.Location) domain.Resolution {
				return resolver.ResolveByCoordinate(ctx, loc.Lat, loc.Lng, radius)
			},
		},
		{
			Name:    "pano_id",
			Applies: func(loc domain.Location) bool { return loc.PanoID != "" },
			Resolve: func(ctx context.Context, loc domain.Location) domain.Resolution {
				return resolver.ResolveByID(ctx, loc.PanoID)
			},
		},
	}
}

// NewRefreshWorker creates a worker that tries strategies in order and writes
// the first successful resolution through writer.
func NewRefreshWorker(strategies []Strategy, writer MetadataWriter) *RefreshWorker {
	return &RefreshWorker{strategies: strategies, writer: writer}
}

// Refresh re-resolves loc. Resolver failures and misses end as OutcomeFailed
// with the record untouched; only a store failure is returned as an error.
func (w *RefreshWorker) Refresh(ctx context.Context, loc domain.Location) (RefreshOutcome, error) {
	if loc.IsDeleted {
		return OutcomeSkipped, nil
	}

	for _, s := range w.strategies {
		if !s.Applies(loc) {
			continue
		}
		res := s.Resolve(ctx, loc)
		switch res.Status {
		case domain.Resolved:
			if err := w.writer.UpdateLocationMetadata(ctx, loc.ID, res.Pano); err != nil {
				return OutcomeFailed, fmt.Errorf("failed to persist refreshed location %d: %w", loc.ID, err)
			}
			return OutcomeUpdated, nil
		case domain.TransientError:
			logger.Debugf("Refresh of location %d via %s failed: %v", loc.ID, s.Name, res.Err)
		}
	}
	return OutcomeFailed, nil
}
