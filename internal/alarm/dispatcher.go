// Package alarm drives the alarm outputs after a clap: a repeating sound with
// a haptic pulse, and a flashing torch, each as an owned periodic task.
package alarm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oszuidwest/clapfinder/internal/config"
	"github.com/oszuidwest/clapfinder/internal/metrics"
	"github.com/oszuidwest/clapfinder/internal/types"
)

// TestFlashDuration is how long a flash test flashes the torch.
const TestFlashDuration = 2 * time.Second

// ErrAlarmActive is returned when an output test is requested during an alarm.
var ErrAlarmActive = errors.New("alarm is active")

// Settings controls how an alarm is played.
type Settings struct {
	Sound            string
	Volume           int
	FlashEnabled     bool
	SoundRepeatCount int           // 0 = until stopped
	FlashDuration    time.Duration // 0 = until stopped
	StartDelay       time.Duration
	SoundInterval    time.Duration
	FlashInterval    time.Duration
}

// SettingsFromConfig converts persisted alarm settings.
func SettingsFromConfig(a config.AlarmConfig) Settings {
	return Settings{
		Sound:            a.Sound,
		Volume:           a.Volume,
		FlashEnabled:     a.FlashEnabled,
		SoundRepeatCount: a.SoundRepeatCount,
		FlashDuration:    time.Duration(a.FlashDurationMs) * time.Millisecond,
		StartDelay:       time.Duration(a.StartDelayMs) * time.Millisecond,
		SoundInterval:    time.Duration(a.SoundIntervalMs) * time.Millisecond,
		FlashInterval:    time.Duration(a.FlashIntervalMs) * time.Millisecond,
	}
}

// FinishedFunc is called when an alarm ends on its own, after all of its
// outputs completed. It is not called for alarms ended by Stop.
type FinishedFunc func(duration time.Duration)

// Dispatcher owns the alarm outputs and their tasks.
type Dispatcher struct {
	sounder  Sounder
	torch    Torch
	vibrator Vibrator
	metrics  *metrics.Metrics

	mu         sync.Mutex
	settings   Settings
	onFinished FinishedFunc
	active     bool
	since      time.Time
	gen        uint64
	startTimer *time.Timer
	flashTimer *time.Timer
	soundTask  *Task
	flashTask  *Task
	plays      int
	lastError  string
}

// NewDispatcher creates an inactive dispatcher.
func NewDispatcher(sounder Sounder, torch Torch, vibrator Vibrator, settings Settings, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		sounder:  sounder,
		torch:    torch,
		vibrator: vibrator,
		metrics:  m,
		settings: settings,
	}
}

// SetFinishedHandler registers the callback for alarms that end on their own.
func (d *Dispatcher) SetFinishedHandler(fn FinishedFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFinished = fn
}

// ApplySettings replaces the alarm settings. They apply to the next alarm.
func (d *Dispatcher) ApplySettings(s Settings) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = s
}

// Active reports whether an alarm is active.
func (d *Dispatcher) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Status returns the alarm status.
func (d *Dispatcher) Status() types.AlarmStatus {
	d.mu.Lock()
	status := types.AlarmStatus{
		Active:    d.active,
		Since:     d.since,
		Sound:     d.settings.Sound,
		Plays:     d.plays,
		LastError: d.lastError,
	}
	soundTask, flashTask := d.soundTask, d.flashTask
	d.mu.Unlock()

	status.Sounding = soundTask != nil && soundTask.Running()
	status.Flashing = flashTask != nil && flashTask.Running()
	status.SoundAvail = d.sounder.Available()
	status.TorchAvail = d.torch.Available()
	status.HapticAvail = d.vibrator.Available()
	return status
}

// Trigger starts the alarm for ev. Outputs start after the configured delay.
// It returns false when an alarm is already active.
func (d *Dispatcher) Trigger(ev types.ClapEvent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active {
		return false
	}

	d.active = true
	d.since = time.Now()
	d.plays = 0
	d.lastError = ""
	d.soundTask, d.flashTask = nil, nil
	d.gen++
	gen := d.gen
	d.startTimer = time.AfterFunc(d.settings.StartDelay, func() { d.startOutputs(gen) })

	d.metrics.RecordAlarmStarted()
	slog.Info("alarm triggered", "event_id", ev.ID, "sound", d.settings.Sound, "delay", d.settings.StartDelay)
	return true
}

// startOutputs launches the output tasks of alarm generation gen.
func (d *Dispatcher) startOutputs(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active || d.gen != gen {
		return
	}
	s := d.settings

	if d.vibrator.Available() {
		go d.pulse()
	}

	var tasks []*Task

	if d.sounder.Available() {
		d.soundTask = NewTask("sound", s.SoundInterval, func(ctx context.Context, i int) bool {
			d.playOnce(ctx, s)
			return s.SoundRepeatCount == 0 || i+1 < s.SoundRepeatCount
		})
		d.soundTask.Start()
		tasks = append(tasks, d.soundTask)
	} else {
		slog.Warn("alarm sound not available")
	}

	if s.FlashEnabled && d.torch.Available() {
		d.flashTask = NewTask("flash", s.FlashInterval, func(ctx context.Context, i int) bool {
			if err := d.torch.Set(i%2 == 0); err != nil {
				d.recordError(err)
				return false
			}
			return true
		})
		d.flashTask.Start()
		tasks = append(tasks, d.flashTask)

		if s.FlashDuration > 0 {
			d.flashTimer = time.AfterFunc(s.FlashDuration, func() { d.stopFlash(gen) })
		}
	}

	if len(tasks) == 0 {
		slog.Warn("no alarm outputs available, alarm stays active until stopped")
		return
	}
	go d.watch(gen, tasks)
}

// playOnce plays the alarm sound once followed by a haptic pulse.
func (d *Dispatcher) playOnce(ctx context.Context, s Settings) {
	if err := d.sounder.Play(ctx, s.Sound, s.Volume); err != nil && ctx.Err() == nil {
		d.recordError(err)
	}
	if ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	d.plays++
	d.mu.Unlock()
	if d.vibrator.Available() {
		d.pulseCtx(ctx)
	}
}

func (d *Dispatcher) pulse() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.pulseCtx(ctx)
}

func (d *Dispatcher) pulseCtx(ctx context.Context) {
	if err := d.vibrator.Pulse(ctx); err != nil && ctx.Err() == nil {
		d.recordError(err)
	}
}

func (d *Dispatcher) recordError(err error) {
	slog.Warn("alarm output failed", "error", err)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastError = err.Error()
}

// stopFlash ends the flash task of generation gen when its duration elapsed.
func (d *Dispatcher) stopFlash(gen uint64) {
	d.mu.Lock()
	if d.gen != gen || d.flashTask == nil {
		d.mu.Unlock()
		return
	}
	task := d.flashTask
	d.mu.Unlock()

	task.Stop()
	d.torchOff()
}

// watch finishes alarm generation gen once all of its tasks have ended.
func (d *Dispatcher) watch(gen uint64, tasks []*Task) {
	for _, t := range tasks {
		if done := t.Done(); done != nil {
			<-done
		}
	}

	d.mu.Lock()
	if !d.active || d.gen != gen {
		d.mu.Unlock()
		return
	}
	duration := d.deactivateLocked()
	onFinished := d.onFinished
	d.mu.Unlock()

	d.torchOff()
	d.metrics.RecordAlarmStopped(duration)
	slog.Info("alarm finished", "duration", duration.Truncate(time.Millisecond))
	if onFinished != nil {
		onFinished(duration)
	}
}

// deactivateLocked marks the alarm inactive and returns its duration.
// Caller must hold d.mu.
func (d *Dispatcher) deactivateLocked() time.Duration {
	d.active = false
	d.gen++
	duration := time.Since(d.since)
	if d.startTimer != nil {
		d.startTimer.Stop()
		d.startTimer = nil
	}
	if d.flashTimer != nil {
		d.flashTimer.Stop()
		d.flashTimer = nil
	}
	return duration
}

// Stop ends the active alarm: all tasks are stopped and the torch is
// switched off. It returns the alarm duration and whether an alarm was active.
func (d *Dispatcher) Stop() (time.Duration, bool) {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return 0, false
	}
	duration := d.deactivateLocked()
	soundTask, flashTask := d.soundTask, d.flashTask
	d.mu.Unlock()

	if soundTask != nil {
		soundTask.Stop()
	}
	if flashTask != nil {
		flashTask.Stop()
	}
	d.torchOff()

	d.metrics.RecordAlarmStopped(duration)
	slog.Info("alarm stopped", "duration", duration.Truncate(time.Millisecond))
	return duration, true
}

func (d *Dispatcher) torchOff() {
	if !d.torch.Available() {
		return
	}
	if err := d.torch.Set(false); err != nil {
		slog.Warn("failed to switch torch off", "error", err)
	}
}

// TestSound plays the selected sound once.
func (d *Dispatcher) TestSound(ctx context.Context) error {
	if d.Active() {
		return ErrAlarmActive
	}
	if !d.sounder.Available() {
		return ErrSoundUnavailable
	}
	d.mu.Lock()
	s := d.settings
	d.mu.Unlock()
	return d.sounder.Play(ctx, s.Sound, s.Volume)
}

// TestFlash flashes the torch at the flash interval for TestFlashDuration
// and leaves it off.
func (d *Dispatcher) TestFlash(ctx context.Context) error {
	if d.Active() {
		return ErrAlarmActive
	}
	if !d.torch.Available() {
		return ErrTorchUnavailable
	}
	d.mu.Lock()
	interval := d.settings.FlashInterval
	d.mu.Unlock()
	if interval <= 0 {
		interval = TestFlashDuration
	}

	var flashErr error
	task := NewTask("test-flash", interval, func(_ context.Context, i int) bool {
		if err := d.torch.Set(i%2 == 0); err != nil {
			flashErr = err
			return false
		}
		return true
	})
	task.Start()

	timer := time.NewTimer(TestFlashDuration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-task.Done():
	}
	task.Stop()

	if flashErr != nil {
		return flashErr
	}
	return d.torch.Set(false)
}

// TestVibrate produces a single haptic pulse.
func (d *Dispatcher) TestVibrate(ctx context.Context) error {
	if !d.vibrator.Available() {
		return ErrHapticsUnavailable
	}
	return d.vibrator.Pulse(ctx)
}
