package work

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewPool(t *testing.T) {
	tests := []struct {
		name        string
		numWorkers  int
		queueSize   int
		expectError bool
	}{
		{"valid pool", 4, 16, false},
		{"zero workers", 0, 16, true},
		{"negative workers", -1, 16, true},
		{"negative queue size gets default", 2, -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := NewPool(tt.numWorkers, tt.queueSize)
			if tt.expectError {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if pool == nil {
				t.Error("expected pool but got nil")
			}
		})
	}
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool, err := NewPool(2, 8)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start(context.Background(), "test-pool")
	defer pool.Stop()

	var executed int64
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		err := pool.Submit("task", func(ctx context.Context) error {
			if atomic.AddInt64(&executed, 1) == 5 {
				close(done)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("only %d of 5 tasks executed", atomic.LoadInt64(&executed))
	}
}

func TestPoolRejectsAfterStop(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start(context.Background(), "stop-pool")
	pool.Stop()

	err = pool.Submit("late", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolStopped) {
		t.Errorf("expected ErrPoolStopped, got %v", err)
	}
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start(context.Background(), "full-pool")
	defer pool.Stop()

	block := make(chan struct{})
	defer close(block)

	// Occupy the single worker; with no queue buffer the submit only
	// lands once a worker is polling, so retry briefly.
	blocker := func(ctx context.Context) error {
		<-block
		return nil
	}
	deadline := time.Now().Add(time.Second)
	for {
		if err := pool.Submit("blocker", blocker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("could not hand the blocker to a worker")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	// With no queue capacity and the worker busy, submits must bounce.
	err = pool.Submit("overflow", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestPoolTaskErrorsDoNotStopWorkers(t *testing.T) {
	pool, err := NewPool(1, 4)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start(context.Background(), "error-pool")
	defer pool.Stop()

	if err := pool.Submit("bad", func(ctx context.Context) error {
		return errors.New("upload failed")
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	if err := pool.Submit("good", func(ctx context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("worker did not survive a failing task")
	}
}
