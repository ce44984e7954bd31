package alarm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTaskRunsImmediatelyAndStopsWhenDone(t *testing.T) {
	var runs atomic.Int32
	task := NewTask("count", 5*time.Millisecond, func(_ context.Context, i int) bool {
		runs.Add(1)
		return i+1 < 3
	})

	start := time.Now()
	task.Start()
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}

	if got := runs.Load(); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("three iterations took %v, want at least two intervals", elapsed)
	}
	if task.Running() {
		t.Error("finished task reports running")
	}
}

func TestTaskStopWaitsForIteration(t *testing.T) {
	var active atomic.Bool
	task := NewTask("slow", time.Hour, func(ctx context.Context, _ int) bool {
		active.Store(true)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		active.Store(false)
		return true
	})

	task.Start()
	task.Start() // no second goroutine
	for !active.Load() {
		time.Sleep(time.Millisecond)
	}

	task.Stop()
	if active.Load() {
		t.Error("Stop returned before the iteration finished")
	}
	if task.Running() {
		t.Error("stopped task reports running")
	}
	task.Stop()
}

func TestTaskStopBeforeStart(t *testing.T) {
	task := NewTask("idle", time.Second, func(context.Context, int) bool { return false })
	task.Stop()
	if task.Running() || task.Done() != nil {
		t.Error("unstarted task should not be running")
	}
}

func TestTaskRestart(t *testing.T) {
	var runs atomic.Int32
	task := NewTask("once", time.Second, func(context.Context, int) bool {
		runs.Add(1)
		return false
	})

	for range 2 {
		task.Start()
		<-task.Done()
	}
	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}
