package workpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestJoinWaitsForTransitiveWork(t *testing.T) {
	p := New(4)
	defer p.Close()

	var count atomic.Int64
	var spawn func(depth int) Job
	spawn = func(depth int) Job {
		return func(w *Worker) {
			count.Add(1)
			if depth > 0 {
				w.Submit(spawn(depth - 1))
				w.Submit(spawn(depth - 1))
			}
		}
	}

	p.Submit(spawn(5))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// A depth-5 binary spawn tree has 2^6 - 1 = 63 jobs.
	if got := count.Load(); got != 63 {
		t.Fatalf("count = %d, want 63", got)
	}
	if !p.Idle() {
		t.Fatalf("pool reports non-idle after Join returned")
	}
}

func TestJoinRespectsContextCancellation(t *testing.T) {
	p := New(2)
	defer p.Close()

	block := make(chan struct{})
	p.Submit(func(w *Worker) {
		<-block
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Join(ctx)
	close(block)
	if err == nil {
		t.Fatalf("expected Join to report context deadline exceeded")
	}
}

func TestStealingDrainsManyRootJobs(t *testing.T) {
	p := New(8)
	defer p.Close()

	var count atomic.Int64
	for i := 0; i < 10_000; i++ {
		p.Submit(func(w *Worker) {
			count.Add(1)
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got := count.Load(); got != 10_000 {
		t.Fatalf("count = %d, want 10000", got)
	}
}
