package push

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2, 0)
	defer p.Stop()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		p.Submit(func(ctx context.Context) {
			defer wg.Done()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				max := atomic.LoadInt32(&maxInFlight)
				if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		})
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxInFlight); got > 2 {
		t.Fatalf("pool allowed %d concurrent tasks, want at most 2", got)
	}
}

func TestPoolStopWaitsForInFlightTask(t *testing.T) {
	p := NewPool(1, 0)
	var ran int32
	p.Submit(func(ctx context.Context) {
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&ran, 1)
	})
	time.Sleep(5 * time.Millisecond) // let the worker pick up the task
	p.Stop()
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("expected Stop to wait for the in-flight task to finish")
	}
}
