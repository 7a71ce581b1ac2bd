// Package workerpool runs work items with bounded parallelism.
package workerpool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Config configures a Pool.
type Config struct {
	MaxConcurrent int // default 4
}

// Pool bounds how many items run at once. A Pool holds no goroutines
// between calls and may be shared by concurrent Process calls; each call
// starts its own fixed set of workers.
type Pool struct {
	config Config
	logger *zap.Logger
}

// New creates a Pool.
func New(config Config, logger *zap.Logger) *Pool {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 4
	}
	return &Pool{
		config: config,
		logger: logger.Named("worker-pool"),
	}
}

// Size returns the maximum number of concurrently running items.
func (p *Pool) Size() int {
	return p.config.MaxConcurrent
}

// Item is one unit of work. worker is the slot index running it.
type Item[T any] struct {
	ID      string
	Execute func(ctx context.Context, worker int) (T, error)
}

// Result is the outcome of one Item. Index is the item's submission position.
type Result[T any] struct {
	ID     string
	Index  int
	Worker int
	Value  T
	Err    error
}

// Process runs every item and returns results in submission order.
// Items not yet started when ctx is cancelled complete with ctx.Err().
// onResult, if set, is called serially in completion order.
func Process[T any](
	ctx context.Context,
	pool *Pool,
	items []Item[T],
	onResult func(r Result[T], completed, total int),
) []Result[T] {
	if len(items) == 0 {
		return nil
	}

	results := make([]Result[T], len(items))
	done := make(chan Result[T], len(items))
	jobs := make(chan int, len(items))
	for i := range items {
		jobs <- i
	}
	close(jobs)

	workers := min(pool.config.MaxConcurrent, len(items))
	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for index := range jobs {
				item := items[index]
				if err := ctx.Err(); err != nil {
					done <- Result[T]{ID: item.ID, Index: index, Worker: -1, Err: err}
					continue
				}
				value, err := item.Execute(ctx, worker)
				done <- Result[T]{ID: item.ID, Index: index, Worker: worker, Value: value, Err: err}
			}
		}(worker)
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	completed := 0
	failed := 0
	for r := range done {
		results[r.Index] = r
		completed++
		if r.Err != nil {
			failed++
		}
		if onResult != nil {
			onResult(r, completed, len(items))
		}
	}

	if failed > 0 {
		pool.logger.Debug("Work items finished with errors",
			zap.Int("total", len(items)),
			zap.Int("failed", failed))
	}
	return results
}
