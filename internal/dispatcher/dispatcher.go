// Package dispatcher fans work items out to a fixed pool of goroutines.
package dispatcher

import (
	"context"
	"sync"

	"github.com/JakeFAU/deck-harvester/internal/metrics"
)

// Handler processes one item. It should honour ctx itself; the pool keeps
// draining its channel after ctx ends so producers never block.
type Handler[T any] func(ctx context.Context, item T)

// Dispatcher runs a bounded pool of workers over a channel.
type Dispatcher[T any] struct {
	workers int
	handle  Handler[T]
}

// New creates a Dispatcher with at least one worker.
func New[T any](workers int, handle Handler[T]) *Dispatcher[T] {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher[T]{workers: workers, handle: handle}
}

// Workers is the pool size.
func (d *Dispatcher[T]) Workers() int {
	return d.workers
}

// Run starts the workers and blocks until items is closed and drained.
func (d *Dispatcher[T]) Run(ctx context.Context, items <-chan T) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			for item := range items {
				d.handle(ctx, item)
			}
		}()
	}
	wg.Wait()
}

// Process runs the pool over a fixed slice. It stops feeding once ctx ends and
// returns the items that were never handed to a worker.
func (d *Dispatcher[T]) Process(ctx context.Context, items []T) []T {
	ch := make(chan T)
	done := make(chan struct{})
	go func() {
		d.Run(ctx, ch)
		close(done)
	}()

	var rest []T
feed:
	for i, item := range items {
		if ctx.Err() != nil {
			rest = items[i:]
			break
		}
		select {
		case ch <- item:
		case <-ctx.Done():
			rest = items[i:]
			break feed
		}
	}
	close(ch)
	<-done
	return rest
}
