package push

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultPoolConcurrency matches the original FiberPool's default of five
// worker loops per provider (spec.md §4.4 Throughput).
const DefaultPoolConcurrency = 5

// Pool is a fixed-size goroutine pool dedicated to one push provider,
// generalizing the original FiberPool(concurrency)/round_robin scheme:
// submitting a task hands it to whichever worker is free next, and a
// token-bucket limiter smooths the provider's outbound send rate.
type Pool struct {
	tasks   chan func(ctx context.Context)
	limiter *rate.Limiter
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewPool starts concurrency workers. ratePerSecond <= 0 disables the
// throughput cap.
func NewPool(concurrency int, ratePerSecond float64) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultPoolConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan func(ctx context.Context), concurrency*4),
		cancel: cancel,
	}
	if ratePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), concurrency)
	}

	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return
				}
			}
			task(ctx)
		}
	}
}

// Submit posts a task to the pool. It blocks only as long as it takes for
// a worker slot to free up, matching the original's task-acquires-connection
// semantics (submission never does the send itself).
func (p *Pool) Submit(task func(ctx context.Context)) {
	p.tasks <- task
}

// Stop halts all workers after their in-flight task completes.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}
