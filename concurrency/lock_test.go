package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireSharedAllowsConcurrentReaders(t *testing.T) {
	l := New()
	ctx := context.Background()

	rel1, err := l.Acquire(ctx, Shared)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	defer rel1()

	done := make(chan struct{})
	go func() {
		rel2, err := l.Acquire(ctx, Shared)
		if err != nil {
			t.Errorf("acquire 2: %v", err)
			return
		}
		rel2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second shared acquire blocked behind the first")
	}
}

func TestAcquireExclusiveBlocksOthers(t *testing.T) {
	l := New()
	ctx := context.Background()

	rel, err := l.Acquire(ctx, Exclusive)
	if err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}

	var acquired sync.WaitGroup
	acquired.Add(1)
	blocked := make(chan struct{})
	go func() {
		acquired.Done()
		rel2, err := l.Acquire(ctx, Shared)
		if err != nil {
			return
		}
		rel2()
		close(blocked)
	}()
	acquired.Wait()

	select {
	case <-blocked:
		t.Fatal("shared acquire should have blocked while exclusive lock is held")
	case <-time.After(50 * time.Millisecond):
	}

	rel()
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("shared acquire never unblocked after exclusive release")
	}
}

func TestAcquireTimesOut(t *testing.T) {
	l := New()
	l.SetTimeout(20 * time.Millisecond)
	ctx := context.Background()

	rel, err := l.Acquire(ctx, Exclusive)
	if err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}
	defer rel()

	if _, err := l.Acquire(ctx, Exclusive); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := New()
	l.SetTimeout(time.Minute)

	rel, err := l.Acquire(context.Background(), Exclusive)
	if err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}
	defer rel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Acquire(ctx, Exclusive); err == nil {
		t.Fatalf("expected context cancellation error")
	}
}
