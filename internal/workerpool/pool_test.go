package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndDrain(t *testing.T) {
	p := New(2, 10)

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		if err := p.Submit("count", func(ctx context.Context) {
			count.Add(1)
		}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Drain(ctx)

	if got := count.Load(); got != 5 {
		t.Fatalf("ran %d tasks, want 5", got)
	}
}

func TestSubmitAfterDrainReturnsErrStopped(t *testing.T) {
	p := New(1, 1)
	p.Drain(context.Background())

	if err := p.Submit("late", func(ctx context.Context) {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Drain = %v, want ErrStopped", err)
	}
}

func TestQueueFull(t *testing.T) {
	p := New(1, 1)
	blocker := make(chan struct{})
	started := make(chan struct{})

	p.Submit("block", func(ctx context.Context) {
		close(started)
		<-blocker
	})
	<-started
	p.Submit("queued", func(ctx context.Context) {})

	if err := p.Submit("overflow", func(ctx context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit on full queue = %v, want ErrQueueFull", err)
	}

	close(blocker)
	p.Drain(context.Background())
}

func TestTaskContextCancelledAfterDrain(t *testing.T) {
	p := New(1, 10)
	ctxCh := make(chan context.Context, 1)
	p.Submit("capture-ctx", func(ctx context.Context) { ctxCh <- ctx })

	p.Drain(context.Background())

	ctx := <-ctxCh
	select {
	case <-ctx.Done():
	default:
		t.Fatal("task context should be cancelled after Drain")
	}
}

func TestDrainRespectsContextDeadline(t *testing.T) {
	p := New(1, 10)
	blocker := make(chan struct{})
	defer close(blocker)
	p.Submit("stuck", func(ctx context.Context) { <-blocker })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	p.Drain(ctx)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Drain took %s, should honour the deadline", elapsed)
	}
}

func TestPanicRecovery(t *testing.T) {
	p := New(1, 10)

	var ran atomic.Bool
	p.Submit("panics", func(ctx context.Context) { panic("boom") })
	p.Submit("after", func(ctx context.Context) { ran.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Drain(ctx)

	if !ran.Load() {
		t.Fatal("task after a panic should still run")
	}
}
