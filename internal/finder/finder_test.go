package finder

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/clapfinder/internal/alarm"
	"github.com/oszuidwest/clapfinder/internal/audio"
	"github.com/oszuidwest/clapfinder/internal/config"
	"github.com/oszuidwest/clapfinder/internal/eventlog"
	"github.com/oszuidwest/clapfinder/internal/types"
)

type fakeCapture struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	startErr error
}

func (c *fakeCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	c.starts++
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.stops++
	return nil
}

func (c *fakeCapture) Status() types.ListenerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := types.ListenerStopped
	if c.running {
		state = types.ListenerRunning
	}
	return types.ListenerStatus{State: state, MaxRetries: types.MaxRetries}
}

func (c *fakeCapture) Levels() audio.Levels { return audio.SilentLevels }

func (c *fakeCapture) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

type fakeAlarm struct {
	mu        sync.Mutex
	active    bool
	triggered []string
	settings  alarm.Settings
	finished  alarm.FinishedFunc
}

func (a *fakeAlarm) Trigger(ev types.ClapEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return false
	}
	a.active = true
	a.triggered = append(a.triggered, ev.ID)
	return true
}

func (a *fakeAlarm) Stop() (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return 0, false
	}
	a.active = false
	return 3 * time.Second, true
}

func (a *fakeAlarm) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *fakeAlarm) Status() types.AlarmStatus {
	return types.AlarmStatus{Active: a.Active()}
}

func (a *fakeAlarm) ApplySettings(s alarm.Settings) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings = s
}

func (a *fakeAlarm) SetFinishedHandler(fn alarm.FinishedFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finished = fn
}

// finish simulates the alarm ending on its own.
func (a *fakeAlarm) finish(d time.Duration) {
	a.mu.Lock()
	a.active = false
	fn := a.finished
	a.mu.Unlock()
	fn(d)
}

type fakeNotifier struct {
	mu      sync.Mutex
	alarms  []string
	stopped []time.Duration
}

func (n *fakeNotifier) HandleAlarm(ev types.ClapEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alarms = append(n.alarms, ev.ID)
}

func (n *fakeNotifier) HandleAlarmStopped(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = append(n.stopped, d)
}

type fixture struct {
	finder   *Finder
	capture  *fakeCapture
	alarm    *fakeAlarm
	notifier *fakeNotifier
	events   *eventlog.Logger
	changes  []types.FinderState
	mu       sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	detector, err := audio.NewClapDetector(audio.DefaultThreshold, audio.DefaultCooldown)
	if err != nil {
		t.Fatal(err)
	}
	events, err := eventlog.NewLogger(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = events.Close() })

	fx := &fixture{
		capture:  &fakeCapture{},
		alarm:    &fakeAlarm{},
		notifier: &fakeNotifier{},
		events:   events,
	}
	fx.finder = New(detector, fx.alarm, fx.notifier, events, nil)
	fx.finder.SetCapture(fx.capture)
	fx.finder.SetChangeHandler(func(state types.FinderState, _ *types.ClapEvent) {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		fx.changes = append(fx.changes, state)
	})
	return fx
}

func (fx *fixture) eventTypes(t *testing.T) []eventlog.EventType {
	t.Helper()
	events, _, err := eventlog.ReadLast(fx.events.Path(), eventlog.MaxReadLimit, 0, eventlog.FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	var out []eventlog.EventType
	for _, e := range events {
		out = append([]eventlog.EventType{e.Type}, out...)
	}
	return out
}

func clap(id string) types.ClapEvent {
	return types.ClapEvent{ID: id, Time: time.Now(), RMS: 0.4, Peak: 0.9, Threshold: audio.DefaultThreshold}
}

func TestStartAndStopListening(t *testing.T) {
	fx := newFixture(t)

	if err := fx.finder.StartListening(); err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}
	if err := fx.finder.StartListening(); err != nil {
		t.Fatalf("second StartListening() error = %v", err)
	}
	if fx.finder.State() != types.FinderListening || fx.capture.starts != 1 {
		t.Fatalf("state = %s, starts = %d; want listening, 1", fx.finder.State(), fx.capture.starts)
	}

	if err := fx.finder.StopListening(); err != nil {
		t.Fatalf("StopListening() error = %v", err)
	}
	if fx.finder.State() != types.FinderIdle || fx.capture.isRunning() {
		t.Errorf("after stop: state = %s, capture running = %v", fx.finder.State(), fx.capture.isRunning())
	}

	got := fx.eventTypes(t)
	if len(got) != 2 || got[0] != eventlog.ListeningStarted || got[1] != eventlog.ListeningStopped {
		t.Errorf("event log = %v", got)
	}
}

func TestStartListeningCaptureError(t *testing.T) {
	fx := newFixture(t)
	fx.capture.startErr = errors.New("no microphone")

	if err := fx.finder.StartListening(); err == nil {
		t.Fatal("StartListening() succeeded, want error")
	}
	if fx.finder.State() != types.FinderIdle {
		t.Errorf("state = %s, want idle", fx.finder.State())
	}
}

func TestClapRaisesAlarmAndStopsListening(t *testing.T) {
	fx := newFixture(t)
	var gotEvent *types.ClapEvent
	fx.finder.SetChangeHandler(func(state types.FinderState, ev *types.ClapEvent) {
		if state == types.FinderAlarm {
			gotEvent = ev
		}
	})

	if err := fx.finder.StartListening(); err != nil {
		t.Fatal(err)
	}
	fx.finder.HandleClap(clap("c1"))

	if fx.finder.State() != types.FinderAlarm {
		t.Fatalf("state = %s, want alarm", fx.finder.State())
	}
	if fx.capture.isRunning() {
		t.Error("capture still running during alarm")
	}
	if len(fx.alarm.triggered) != 1 || fx.alarm.triggered[0] != "c1" {
		t.Errorf("alarm triggered = %v", fx.alarm.triggered)
	}
	if len(fx.notifier.alarms) != 1 {
		t.Errorf("notifier alarms = %v", fx.notifier.alarms)
	}
	if gotEvent == nil || gotEvent.ID != "c1" {
		t.Errorf("change handler event = %+v", gotEvent)
	}
	if status := fx.finder.Status(); status.LastClap == nil || status.LastClap.ID != "c1" {
		t.Errorf("Status().LastClap = %+v", status.LastClap)
	}

	// A second clap while alarming is ignored.
	fx.finder.HandleClap(clap("c2"))
	if len(fx.alarm.triggered) != 1 {
		t.Errorf("alarm triggered twice: %v", fx.alarm.triggered)
	}
}

func TestClapIgnoredWhenIdle(t *testing.T) {
	fx := newFixture(t)
	fx.finder.HandleClap(clap("c1"))

	if fx.finder.State() != types.FinderIdle || len(fx.alarm.triggered) != 0 {
		t.Errorf("state = %s, triggered = %v; want idle, none", fx.finder.State(), fx.alarm.triggered)
	}
}

func TestStopAlarmReturnsToIdle(t *testing.T) {
	fx := newFixture(t)
	if err := fx.finder.StartListening(); err != nil {
		t.Fatal(err)
	}
	fx.finder.HandleClap(clap("c1"))

	if err := fx.finder.StopAlarm(); err != nil {
		t.Fatalf("StopAlarm() error = %v", err)
	}
	if fx.finder.State() != types.FinderIdle {
		t.Errorf("state = %s, want idle", fx.finder.State())
	}
	if fx.alarm.Active() {
		t.Error("alarm still active")
	}
	if fx.capture.starts != 1 {
		t.Errorf("capture restarted after alarm: starts = %d", fx.capture.starts)
	}
	if len(fx.notifier.stopped) != 1 || fx.notifier.stopped[0] != 3*time.Second {
		t.Errorf("notifier stopped = %v", fx.notifier.stopped)
	}

	if err := fx.finder.StopAlarm(); !errors.Is(err, ErrNoAlarm) {
		t.Errorf("second StopAlarm() error = %v, want ErrNoAlarm", err)
	}

	want := []eventlog.EventType{
		eventlog.ListeningStarted, eventlog.ClapDetected, eventlog.AlarmStarted, eventlog.AlarmStopped,
	}
	got := fx.eventTypes(t)
	if len(got) != len(want) {
		t.Fatalf("event log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestStopAlarmOutsideAlarmState(t *testing.T) {
	fx := newFixture(t)
	fx.alarm.Trigger(clap("stray"))

	if err := fx.finder.StopAlarm(); err != nil {
		t.Fatalf("StopAlarm() error = %v", err)
	}
	if fx.alarm.Active() {
		t.Error("alarm still active")
	}
	if len(fx.notifier.stopped) != 1 {
		t.Errorf("notifier stopped = %v, want one alarm_stopped", fx.notifier.stopped)
	}
	if got := fx.eventTypes(t); len(got) != 1 || got[0] != eventlog.AlarmStopped {
		t.Errorf("event log = %v, want [alarm_stopped]", got)
	}
}

func TestEventLogFailureIsReported(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	fx := newFixture(t)
	if err := fx.events.Close(); err != nil {
		t.Fatal(err)
	}

	if err := fx.finder.StartListening(); err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}
	if fx.finder.State() != types.FinderListening {
		t.Errorf("state = %s, want listening despite the event log", fx.finder.State())
	}

	out := buf.String()
	if !strings.Contains(out, "failed to write event log") || !strings.Contains(out, "type=listening_started") {
		t.Errorf("log output = %q, want a warning for listening_started", out)
	}
}

func TestToggle(t *testing.T) {
	fx := newFixture(t)

	steps := []struct {
		name   string
		before func()
		want   types.FinderState
	}{
		{"idle starts listening", nil, types.FinderListening},
		{"listening stops", nil, types.FinderIdle},
		{"listening again", nil, types.FinderListening},
		{"alarm stops", func() { fx.finder.HandleClap(clap("c1")) }, types.FinderIdle},
	}

	for _, step := range steps {
		if step.before != nil {
			step.before()
		}
		got, err := fx.finder.Toggle()
		if err != nil {
			t.Fatalf("%s: Toggle() error = %v", step.name, err)
		}
		if got != step.want {
			t.Errorf("%s: Toggle() = %s, want %s", step.name, got, step.want)
		}
	}
}

func TestStartListeningDuringAlarm(t *testing.T) {
	fx := newFixture(t)
	if err := fx.finder.StartListening(); err != nil {
		t.Fatal(err)
	}
	fx.finder.HandleClap(clap("c1"))

	if err := fx.finder.StartListening(); !errors.Is(err, ErrAlarmActive) {
		t.Errorf("StartListening() error = %v, want ErrAlarmActive", err)
	}
}

func TestAlarmFinishedReturnsToIdle(t *testing.T) {
	fx := newFixture(t)
	if err := fx.finder.StartListening(); err != nil {
		t.Fatal(err)
	}
	fx.finder.HandleClap(clap("c1"))

	fx.alarm.finish(10 * time.Second)

	if fx.finder.State() != types.FinderIdle {
		t.Errorf("state = %s, want idle", fx.finder.State())
	}
	if len(fx.notifier.stopped) != 1 || fx.notifier.stopped[0] != 10*time.Second {
		t.Errorf("notifier stopped = %v", fx.notifier.stopped)
	}

	fx.mu.Lock()
	defer fx.mu.Unlock()
	last := fx.changes[len(fx.changes)-1]
	if last != types.FinderIdle {
		t.Errorf("last change = %s, want idle", last)
	}
}

func TestGiveUpReturnsToIdle(t *testing.T) {
	fx := newFixture(t)
	if err := fx.finder.StartListening(); err != nil {
		t.Fatal(err)
	}

	hooks := fx.finder.Hooks()
	hooks.OnCaptureError(errors.New("device busy"))
	hooks.OnGiveUp(errors.New("Stopped after 10 failed attempts: device busy"))

	if fx.finder.State() != types.FinderIdle {
		t.Errorf("state = %s, want idle", fx.finder.State())
	}
	got := fx.eventTypes(t)
	if len(got) != 3 || got[1] != eventlog.CaptureError || got[2] != eventlog.ListeningStopped {
		t.Errorf("event log = %v", got)
	}
}

func TestApplySettings(t *testing.T) {
	fx := newFixture(t)

	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetSensitivity(0.05); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetCooldownMs(4000); err != nil {
		t.Fatal(err)
	}
	snap := cfg.Snapshot()

	if err := fx.finder.ApplySettings(&snap); err != nil {
		t.Fatalf("ApplySettings() error = %v", err)
	}
	status := fx.finder.Status().Detector
	if status.Threshold != 0.05 || status.CooldownMs != 4000 {
		t.Errorf("detector = %+v, want threshold 0.05 cooldown 4000ms", status)
	}
	if fx.alarm.settings.Sound != config.DefaultSound || fx.alarm.settings.SoundRepeatCount != 5 {
		t.Errorf("alarm settings = %+v", fx.alarm.settings)
	}

	snap.Sensitivity = 0
	if err := fx.finder.ApplySettings(&snap); !errors.Is(err, audio.ErrInvalidThreshold) {
		t.Errorf("ApplySettings(0) error = %v, want ErrInvalidThreshold", err)
	}
	if got := fx.finder.Status().Detector.Threshold; got != 0.05 {
		t.Errorf("threshold after rejected update = %v, want 0.05", got)
	}
}

// quickSounder plays instantly.
type quickSounder struct {
	mu    sync.Mutex
	plays int
}

func (s *quickSounder) Available() bool { return true }

func (s *quickSounder) Play(context.Context, string, int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays++
	return nil
}

type noTorch struct{}

func (noTorch) Available() bool { return false }
func (noTorch) Set(bool) error  { return alarm.ErrTorchUnavailable }

type noVibrator struct{}

func (noVibrator) Available() bool             { return false }
func (noVibrator) Pulse(context.Context) error { return alarm.ErrHapticsUnavailable }

func TestDispatcherFinishReturnsToIdle(t *testing.T) {
	sounder := &quickSounder{}
	dispatcher := alarm.NewDispatcher(sounder, noTorch{}, noVibrator{}, alarm.Settings{
		Sound:            config.DefaultSound,
		SoundRepeatCount: 2,
		SoundInterval:    5 * time.Millisecond,
	}, nil)

	detector, err := audio.NewClapDetector(audio.DefaultThreshold, audio.DefaultCooldown)
	if err != nil {
		t.Fatal(err)
	}
	f := New(detector, dispatcher, &fakeNotifier{}, nil, nil)
	f.SetCapture(&fakeCapture{})

	if err := f.StartListening(); err != nil {
		t.Fatal(err)
	}
	f.HandleClap(clap("c1"))

	deadline := time.Now().Add(2 * time.Second)
	for f.State() != types.FinderIdle {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s after alarm should have finished", f.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	sounder.mu.Lock()
	defer sounder.mu.Unlock()
	if sounder.plays != 2 {
		t.Errorf("plays = %d, want 2", sounder.plays)
	}
}
