package alarm

import (
	"context"
	"sync"
	"time"
)

type fakeSounder struct {
	available bool
	duration  time.Duration

	mu     sync.Mutex
	played []string
}

func (f *fakeSounder) Available() bool { return f.available }

func (f *fakeSounder) Play(ctx context.Context, sound string, _ int) error {
	f.mu.Lock()
	f.played = append(f.played, sound)
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.duration):
		return nil
	}
}

func (f *fakeSounder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played)
}

type fakeTorch struct {
	available bool

	mu     sync.Mutex
	states []bool
}

func (f *fakeTorch) Available() bool { return f.available }

func (f *fakeTorch) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, on)
	return nil
}

func (f *fakeTorch) snapshot() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.states...)
}

type fakeVibrator struct {
	available bool

	mu     sync.Mutex
	pulses int
}

func (f *fakeVibrator) Available() bool { return f.available }

func (f *fakeVibrator) Pulse(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses++
	return nil
}

func (f *fakeVibrator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulses
}
