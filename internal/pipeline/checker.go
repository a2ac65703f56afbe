package pipeline

import (
	"context"
	"fmt"

	"github.com/mescon/panoguard/internal/domain"
)

// ExistenceChecker asks the resolver whether a panorama still exists.
type ExistenceChecker interface {
	CheckExists(ctx context.Context, panoID string) (bool, error)
}

// Verdict classifies one record in an availability scan.
type Verdict int

const (
	// VerdictKeep means the panorama still exists.
	VerdictKeep Verdict = iota
	// VerdictDelete means the resolver confirmed the panorama is gone.
	VerdictDelete
	// VerdictSkipped means the record was already soft-deleted and was not checked.
	VerdictSkipped
)

func (v Verdict) String() string {
	switch v {
	case VerdictKeep:
		return "keep"
	case VerdictDelete:
		return "delete"
	case VerdictSkipped:
		return "skipped"
	}
	return "unknown"
}

// AvailabilityChecker is the per-item operation of an availability scan.
type AvailabilityChecker struct {
	resolver ExistenceChecker
}

// NewAvailabilityChecker creates a checker backed by resolver.
func NewAvailabilityChecker(resolver ExistenceChecker) *AvailabilityChecker {
	return &AvailabilityChecker{resolver: resolver}
}

// Check classifies loc. A resolver failure is returned as an error so the
// item counts as indeterminate instead of missing.
func (c *AvailabilityChecker) Check(ctx context.Context, loc domain.Location) (Verdict, error) {
	if loc.IsDeleted {
		return VerdictSkipped, nil
	}

	exists, err := c.resolver.CheckExists(ctx, loc.PanoID)
	if err != nil {
		return VerdictKeep, fmt.Errorf("check location %d: %w", loc.ID, err)
	}
	if !exists {
		return VerdictDelete, nil
	}
	return VerdictKeep, nil
}
