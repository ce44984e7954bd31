// Package finder holds the application state of the clap finder: it starts
// and stops listening, raises the alarm on a clap and returns to idle when
// the alarm ends.
package finder

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oszuidwest/clapfinder/internal/alarm"
	"github.com/oszuidwest/clapfinder/internal/audio"
	"github.com/oszuidwest/clapfinder/internal/config"
	"github.com/oszuidwest/clapfinder/internal/eventlog"
	"github.com/oszuidwest/clapfinder/internal/listener"
	"github.com/oszuidwest/clapfinder/internal/metrics"
	"github.com/oszuidwest/clapfinder/internal/types"
)

// Sentinel errors for state transitions.
var (
	ErrAlarmActive = errors.New("alarm is active")
	ErrNoAlarm     = errors.New("no alarm is active")
	ErrNoCapture   = errors.New("no capture attached")
)

// Capture is the microphone listener.
type Capture interface {
	Start() error
	Stop() error
	Status() types.ListenerStatus
	Levels() audio.Levels
}

// Alarm drives the alarm outputs.
type Alarm interface {
	Trigger(ev types.ClapEvent) bool
	Stop() (time.Duration, bool)
	Active() bool
	Status() types.AlarmStatus
	ApplySettings(s alarm.Settings)
	SetFinishedHandler(fn alarm.FinishedFunc)
}

// Notifier fans alarms out to notification channels.
type Notifier interface {
	HandleAlarm(ev types.ClapEvent)
	HandleAlarmStopped(duration time.Duration)
}

// ChangeFunc is called after every state change. ev is set when the change
// was caused by a clap.
type ChangeFunc func(state types.FinderState, ev *types.ClapEvent)

// Finder is the application state machine.
type Finder struct {
	detector *audio.ClapDetector
	alarms   Alarm
	notifier Notifier
	events   *eventlog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	capture  Capture
	state    types.FinderState
	lastClap *types.ClapEvent
	sound    string
	input    string
	onChange ChangeFunc
}

// New creates an idle Finder. The capture is attached with SetCapture
// because the listener needs the Finder's hooks.
func New(detector *audio.ClapDetector, alarms Alarm, notifier Notifier, events *eventlog.Logger, m *metrics.Metrics) *Finder {
	f := &Finder{
		detector: detector,
		alarms:   alarms,
		notifier: notifier,
		events:   events,
		metrics:  m,
		state:    types.FinderIdle,
	}
	alarms.SetFinishedHandler(f.handleAlarmFinished)
	return f
}

// Hooks returns the listener callbacks that drive the Finder.
func (f *Finder) Hooks() listener.Hooks {
	return listener.Hooks{
		OnClap:         f.HandleClap,
		OnCaptureError: f.handleCaptureError,
		OnGiveUp:       f.handleGiveUp,
	}
}

// SetCapture attaches the microphone listener.
func (f *Finder) SetCapture(c Capture) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capture = c
}

// SetChangeHandler registers fn to be called after state changes.
func (f *Finder) SetChangeHandler(fn ChangeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = fn
}

// State returns the current state.
func (f *Finder) State() types.FinderState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// ApplySettings applies detection and alarm settings. Detector changes take
// effect on the next analyzed chunk, alarm changes on the next alarm.
func (f *Finder) ApplySettings(snap *config.Snapshot) error {
	if err := f.detector.SetThreshold(snap.Sensitivity); err != nil {
		return err
	}
	if err := f.detector.SetCooldown(snap.Cooldown); err != nil {
		return err
	}
	f.alarms.ApplySettings(alarm.SettingsFromConfig(snap.Alarm))
	f.metrics.SetThreshold(snap.Sensitivity)

	f.mu.Lock()
	f.sound = snap.Alarm.Sound
	f.input = snap.AudioInput
	f.mu.Unlock()
	return nil
}

// StartListening starts capturing with a re-armed detector.
// Starting while already listening has no effect.
func (f *Finder) StartListening() error {
	f.mu.Lock()
	switch {
	case f.state == types.FinderListening:
		f.mu.Unlock()
		return nil
	case f.state == types.FinderAlarm || f.alarms.Active():
		f.mu.Unlock()
		return ErrAlarmActive
	case f.capture == nil:
		f.mu.Unlock()
		return ErrNoCapture
	}

	if err := f.capture.Start(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.state = types.FinderListening
	input := f.input
	f.mu.Unlock()

	slog.Info("listening for claps", "threshold", f.detector.Threshold())
	logEvent(eventlog.ListeningStarted, f.events.LogListening(eventlog.ListeningStarted, input))
	f.changed(types.FinderListening, nil)
	return nil
}

// StopListening stops capturing. Stopping while not listening has no effect.
func (f *Finder) StopListening() error {
	f.mu.Lock()
	if f.state != types.FinderListening {
		f.mu.Unlock()
		return nil
	}
	f.state = types.FinderIdle
	capture := f.capture
	f.mu.Unlock()

	err := capture.Stop()
	slog.Info("stopped listening")
	logEvent(eventlog.ListeningStopped, f.events.LogListening(eventlog.ListeningStopped, ""))
	f.changed(types.FinderIdle, nil)
	return err
}

// Toggle advances the primary control: an active alarm is stopped, a
// listening finder stops listening and an idle finder starts listening.
// It returns the resulting state.
func (f *Finder) Toggle() (types.FinderState, error) {
	var err error
	switch f.State() {
	case types.FinderAlarm:
		err = f.StopAlarm()
	case types.FinderListening:
		err = f.StopListening()
	default:
		err = f.StartListening()
	}
	return f.State(), err
}

// HandleClap raises the alarm for ev. Claps arriving while not listening
// are ignored. Listening stops first so the alarm cannot trigger itself.
func (f *Finder) HandleClap(ev types.ClapEvent) {
	f.mu.Lock()
	if f.state != types.FinderListening {
		f.mu.Unlock()
		slog.Debug("clap ignored", "event_id", ev.ID, "state", f.State())
		return
	}
	f.state = types.FinderAlarm
	f.lastClap = &ev
	capture := f.capture
	sound := f.sound
	f.mu.Unlock()

	slog.Info("clap detected, raising alarm", "event_id", ev.ID, "rms", ev.RMS, "peak", ev.Peak)
	if err := capture.Stop(); err != nil {
		slog.Warn("failed to stop capture for alarm", "error", err)
	}
	logEvent(eventlog.ClapDetected, f.events.LogClap(ev))

	f.mu.Lock()
	if f.state != types.FinderAlarm || f.lastClap == nil || f.lastClap.ID != ev.ID {
		f.mu.Unlock()
		slog.Info("alarm cancelled before it started", "event_id", ev.ID)
		return
	}
	triggered := f.alarms.Trigger(ev)
	f.mu.Unlock()

	if !triggered {
		slog.Warn("alarm already active", "event_id", ev.ID)
	}
	logEvent(eventlog.AlarmStarted, f.events.LogAlarm(eventlog.AlarmStarted, ev.ID, sound, 0))
	f.notifier.HandleAlarm(ev)
	f.changed(types.FinderAlarm, &ev)
}

// StopAlarm silences the alarm and returns to idle. Listening is not
// resumed.
func (f *Finder) StopAlarm() error {
	f.mu.Lock()
	if f.state != types.FinderAlarm {
		f.mu.Unlock()
		if duration, ok := f.alarms.Stop(); ok {
			f.alarmEnded(duration)
			return nil
		}
		return ErrNoAlarm
	}
	f.state = types.FinderIdle
	f.mu.Unlock()

	if duration, ok := f.alarms.Stop(); ok {
		f.alarmEnded(duration)
	}
	f.changed(types.FinderIdle, nil)
	return nil
}

// handleAlarmFinished returns to idle after the alarm ended on its own.
func (f *Finder) handleAlarmFinished(duration time.Duration) {
	f.mu.Lock()
	wasAlarm := f.state == types.FinderAlarm
	if wasAlarm {
		f.state = types.FinderIdle
	}
	f.mu.Unlock()

	f.alarmEnded(duration)
	if wasAlarm {
		f.changed(types.FinderIdle, nil)
	}
}

func (f *Finder) alarmEnded(duration time.Duration) {
	f.mu.Lock()
	var eventID string
	if f.lastClap != nil {
		eventID = f.lastClap.ID
	}
	sound := f.sound
	f.mu.Unlock()

	logEvent(eventlog.AlarmStopped, f.events.LogAlarm(eventlog.AlarmStopped, eventID, sound, duration))
	f.notifier.HandleAlarmStopped(duration)
}

// logEvent reports a failed event-log write. The event itself is dropped.
func logEvent(eventType eventlog.EventType, err error) {
	if err != nil {
		slog.Warn("failed to write event log", "type", eventType, "error", err)
	}
}

func (f *Finder) handleCaptureError(err error) {
	status := f.captureStatus()
	logEvent(eventlog.CaptureError, f.events.LogError(eventlog.CaptureError, err.Error(), status.RetryCount, status.MaxRetries))
}

// handleGiveUp returns to idle after the listener exhausted its retries.
func (f *Finder) handleGiveUp(err error) {
	f.mu.Lock()
	wasListening := f.state == types.FinderListening
	if wasListening {
		f.state = types.FinderIdle
	}
	f.mu.Unlock()

	slog.Error("listening stopped after capture failures", "error", err)
	if wasListening {
		logEvent(eventlog.ListeningStopped, f.events.LogListening(eventlog.ListeningStopped, ""))
		f.changed(types.FinderIdle, nil)
	}
}

// ResetDetector re-arms the detector regardless of the cooldown.
func (f *Finder) ResetDetector() {
	f.detector.Reset()
	slog.Info("detector re-armed")
}

// Levels returns the live input levels.
func (f *Finder) Levels() audio.Levels {
	f.mu.Lock()
	capture := f.capture
	f.mu.Unlock()
	if capture == nil {
		return audio.SilentLevels
	}
	return capture.Levels()
}

// Status returns a snapshot of the whole application.
func (f *Finder) Status() types.FinderStatus {
	f.mu.Lock()
	state := f.state
	var lastClap *types.ClapEvent
	if f.lastClap != nil {
		ev := *f.lastClap
		lastClap = &ev
	}
	f.mu.Unlock()

	return types.FinderStatus{
		State:    state,
		Listener: f.captureStatus(),
		Detector: f.detector.Status(time.Now()),
		Alarm:    f.alarms.Status(),
		LastClap: lastClap,
	}
}

// Shutdown stops the alarm and the listener.
func (f *Finder) Shutdown() error {
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()

	switch state {
	case types.FinderAlarm:
		return f.StopAlarm()
	case types.FinderListening:
		return f.StopListening()
	}
	return nil
}

func (f *Finder) captureStatus() types.ListenerStatus {
	f.mu.Lock()
	capture := f.capture
	f.mu.Unlock()
	if capture == nil {
		return types.ListenerStatus{State: types.ListenerStopped, MaxRetries: types.MaxRetries}
	}
	return capture.Status()
}

func (f *Finder) changed(state types.FinderState, ev *types.ClapEvent) {
	f.mu.Lock()
	fn := f.onChange
	f.mu.Unlock()
	if fn != nil {
		fn(state, ev)
	}
}
