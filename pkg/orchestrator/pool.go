package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
)

// unitFunc runs unit i. A non-nil error is fatal for the run.
type unitFunc func(ctx context.Context, i int) error

// poolResult reports which units ran and the first fatal error.
type poolResult struct {
	started []bool
	fatal   error
}

// runPool executes n independent units on at most workers goroutines.
// After the first fatal error, or once ctx is done, units that have not
// started are skipped. Units already running are left to finish so their
// results can still be recorded.
func runPool(ctx context.Context, workers, n int, fn unitFunc) poolResult {
	res := poolResult{started: make([]bool, n)}
	if n == 0 {
		return res
	}
	if workers <= 0 {
		workers = 1
	}
	if n < workers {
		workers = n
	}

	queue := make(chan int, n)
	for i := 0; i < n; i++ {
		queue <- i
	}
	close(queue)

	var (
		wg      sync.WaitGroup
		aborted atomic.Bool
		mu      sync.Mutex
	)
	errChan := make(chan error, n)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				if aborted.Load() || ctx.Err() != nil {
					continue
				}
				mu.Lock()
				res.started[i] = true
				mu.Unlock()

				if err := fn(ctx, i); err != nil {
					aborted.Store(true)
					errChan <- err
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		if res.fatal == nil {
			res.fatal = err
		}
	}
	if res.fatal == nil && ctx.Err() != nil {
		for _, s := range res.started {
			if !s {
				res.fatal = ctx.Err()
				break
			}
		}
	}
	return res
}
