package pipeline

import (
	"context"
	"fmt"

	"github.com/mescon/panoguard/internal/logger"
)

// DeletionWriter flags records of a map as soft-deleted in one statement.
type DeletionWriter interface {
	MarkLocationsDeleted(ctx context.Context, mapID int64, ids []int64) (int64, error)
}

// SoftDeleteCommitter persists the deletions found in one batch.
type SoftDeleteCommitter struct {
	writer DeletionWriter
}

// NewSoftDeleteCommitter creates a committer writing through writer.
func NewSoftDeleteCommitter(writer DeletionWriter) *SoftDeleteCommitter {
	return &SoftDeleteCommitter{writer: writer}
}

// Commit marks ids as deleted. Rows are never removed. An empty set performs no write.
func (c *SoftDeleteCommitter) Commit(ctx context.Context, mapID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	n, err := c.writer.MarkLocationsDeleted(ctx, mapID, ids)
	if err != nil {
		return fmt.Errorf("failed to commit %d deletions: %w", len(ids), err)
	}
	if n != int64(len(ids)) {
		logger.Debugf("Soft-delete for map %d changed %d of %d rows", mapID, n, len(ids))
	}
	return nil
}
