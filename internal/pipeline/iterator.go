// Package pipeline implements the location integrity scan: windowed reads over
// a map's records, bounded fan-out against the resolver, batched soft-delete
// commits and a progress stream for the caller.
package pipeline

import (
	"context"
	"fmt"

	"github.com/mescon/panoguard/internal/domain"
)

// WindowReader reads id-ordered slices of a map's records, soft-deleted included.
type WindowReader interface {
	LocationWindow(ctx context.Context, mapID, offset int64, limit int) ([]domain.Location, error)
}

// BatchIterator walks a map's records in id order from a start offset up to a
// total snapshotted when the scan began. Offsets count every record, deleted
// or not, so a reported offset is a valid resume point regardless of how many
// rows were soft-deleted in between.
type BatchIterator struct {
	reader WindowReader
	mapID  int64
	window int
	offset int64
	total  int64
	done   bool
}

// NewBatchIterator creates an iterator starting at offset. A window below one is treated as one.
func NewBatchIterator(reader WindowReader, mapID, offset, total int64, window int) *BatchIterator {
	if window < 1 {
		window = 1
	}
	return &BatchIterator{
		reader: reader,
		mapID:  mapID,
		window: window,
		offset: offset,
		total:  total,
		done:   offset >= total,
	}
}

// Done reports whether every batch up to the snapshotted total has been returned.
func (it *BatchIterator) Done() bool {
	return it.done
}

// Offset is the absolute position of the next record to be read.
func (it *BatchIterator) Offset() int64 {
	return it.offset
}

// Next returns the next batch. It returns an empty batch once Done is true.
// Records appended after the snapshot are never returned; records purged
// since the snapshot end the sequence early.
func (it *BatchIterator) Next(ctx context.Context) ([]domain.Location, error) {
	if it.done {
		return nil, nil
	}

	limit := it.window
	if remaining := it.total - it.offset; remaining < int64(limit) {
		limit = int(remaining)
	}

	batch, err := it.reader.LocationWindow(ctx, it.mapID, it.offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read records at offset %d: %w", it.offset, err)
	}

	it.offset += int64(len(batch))
	if len(batch) < limit || it.offset >= it.total {
		it.done = true
	}
	return batch, nil
}
