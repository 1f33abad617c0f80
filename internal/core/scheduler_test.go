package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsJobs(t *testing.T) {
	var count int32
	sched := NewScheduler(10*time.Millisecond, nil)
	sched.Add("count", func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sched.Start(ctx)
	if c := atomic.LoadInt32(&count); c == 0 {
		t.Fatalf("expected jobs to run, got %d", c)
	}
}

func TestSchedulerSkipsBusyJob(t *testing.T) {
	var running, maxRunning int32
	sched := NewScheduler(5*time.Millisecond, nil)
	sched.Add("slow", func(ctx context.Context) error {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxRunning)
			if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
				break
			}
		}
		<-ctx.Done()
		atomic.AddInt32(&running, -1)
		return errors.New("stopped")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	sched.Start(ctx)
	if m := atomic.LoadInt32(&maxRunning); m != 1 {
		t.Fatalf("expected at most one concurrent run, got %d", m)
	}
}
