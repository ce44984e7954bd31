package alarm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TaskFunc is one iteration of a periodic task. Iterations are numbered from
// zero. Returning false ends the task.
type TaskFunc func(ctx context.Context, iteration int) bool

// Task is an owned, cancellable periodic task. The function runs once
// immediately on Start and then on every interval tick until it returns
// false or the task is stopped. Ticks missed by a slow iteration are dropped.
type Task struct {
	name     string
	interval time.Duration
	fn       TaskFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTask creates a stopped task.
func NewTask(name string, interval time.Duration, fn TaskFunc) *Task {
	return &Task{name: name, interval: interval, fn: fn}
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Start launches the task. Starting a running task has no effect.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done != nil {
		select {
		case <-t.done:
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
}

func (t *Task) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in alarm task", "task", t.name, "panic", r)
		}
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		if !t.fn(ctx, i) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the task and waits for the running iteration to return.
// It must not be called from inside the task function.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the task goroutine is active.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the current run ends.
// It returns nil before the first Start.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
