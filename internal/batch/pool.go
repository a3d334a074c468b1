package batch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/kiranshivaraju/pvebatch/pkg/models"
	"golang.org/x/sync/errgroup"
)

// DefaultPoolSize is the number of resources analyzed concurrently when unset.
const DefaultPoolSize = 5

// Task processes one resource. i is its position in the dispatched list.
type Task func(i int, r models.Resource)

// PanicHandler is called instead of a Task's normal completion when it panics.
type PanicHandler func(i int, r models.Resource, v any)

// Pool runs Tasks over a resource list with a fixed number of slots.
type Pool struct {
	size int
}

// NewPool creates a Pool with size slots. Non-positive sizes use DefaultPoolSize.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{size: size}
}

// Size returns the number of concurrent slots.
func (p *Pool) Size() int {
	return p.size
}

// Run assigns resources to free slots in list order until every resource was
// dispatched or ctx is done. It returns after every dispatched task finished,
// along with the resources that were never dispatched, in list order.
func (p *Pool) Run(ctx context.Context, resources []models.Resource, task Task, onPanic PanicHandler) []models.Resource {
	var g errgroup.Group
	g.SetLimit(p.size)

	var mu sync.Mutex
	var skipped []int

	for i, r := range resources {
		if ctx.Err() != nil {
			mu.Lock()
			for j := i; j < len(resources); j++ {
				skipped = append(skipped, j)
			}
			mu.Unlock()
			break
		}

		g.Go(func() error {
			// Dispatch may have stopped while this task waited for a slot.
			if ctx.Err() != nil {
				mu.Lock()
				skipped = append(skipped, i)
				mu.Unlock()
				return nil
			}

			defer func() {
				if v := recover(); v != nil {
					slog.Error("panic in resource task", "vm_id", r.ID, "vm_type", r.Type,
						"error", v, "stack", string(debug.Stack()))
					if onPanic != nil {
						onPanic(i, r, v)
					}
				}
			}()
			task(i, r)
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(skipped)
	out := make([]models.Resource, 0, len(skipped))
	for _, i := range skipped {
		out = append(out, resources[i])
	}
	return out
}
