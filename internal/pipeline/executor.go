package pipeline

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/mescon/panoguard/internal/logger"
)

// Result is the outcome of one item. Err is set when the operation failed or panicked.
type Result[T any] struct {
	Value T
	Err   error
}

// Execute runs op over items with at most k operations in flight. A new item
// is admitted as soon as any running one finishes. The returned slice is
// index-aligned with items; a failing item never stops the others.
// k is clamped to [1, len(items)].
func Execute[I, O any](ctx context.Context, items []I, k int, op func(context.Context, I) (O, error)) []Result[O] {
	results := make([]Result[O], len(items))
	if len(items) == 0 {
		return results
	}
	k = max(1, min(k, len(items)))

	p := pool.New().WithMaxGoroutines(k)
	for i, item := range items {
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("Recovered panic in scan item %d: %v", i, r)
					results[i] = Result[O]{Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			v, err := op(ctx, item)
			results[i] = Result[O]{Value: v, Err: err}
		})
	}
	p.Wait()

	return results
}
