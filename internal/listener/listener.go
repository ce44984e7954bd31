// Package listener provides the microphone capture loop. It runs the
// platform capture command, decodes its PCM output into chunks and feeds
// them through the analysis pipeline, restarting capture with backoff
// when the command fails.
package listener

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/oszuidwest/clapfinder/internal/audio"
	"github.com/oszuidwest/clapfinder/internal/config"
	"github.com/oszuidwest/clapfinder/internal/metrics"
	"github.com/oszuidwest/clapfinder/internal/types"
	"github.com/oszuidwest/clapfinder/internal/util"
)

// Sentinel errors for listener operations.
var (
	ErrAlreadyRunning     = errors.New("listener already running")
	ErrCaptureUnavailable = errors.New("capture command not available")
)

// CommandBuilder returns the capture command for a device and sample rate.
type CommandBuilder func(device string, sampleRate int) (name string, args []string, err error)

// Hooks are optional callbacks for listener events.
type Hooks struct {
	// OnClap receives accepted clap events on its own goroutine.
	OnClap types.ClapHandler
	// OnCaptureError is called after every failed capture run.
	OnCaptureError func(err error)
	// OnGiveUp is called once when the retry limit is reached.
	OnGiveUp func(err error)
}

// Listener manages the capture process and the analysis pipeline.
type Listener struct {
	config       *config.Config
	buildCommand CommandBuilder
	pipeline     *Pipeline
	metrics      *metrics.Metrics
	hooks        Hooks

	mu         sync.RWMutex
	state      types.ListenerState
	sourceCmd  *exec.Cmd
	cancel     context.CancelFunc
	stopChan   chan struct{}
	done       chan struct{}
	device     string
	lastError  string
	startTime  time.Time
	retryCount int
	exhausted  bool
	backoff    *util.Backoff
}

// New creates a Listener that captures with the platform capture command.
func New(cfg *config.Config, ffmpegPath string, detector *audio.ClapDetector, hooks Hooks, m *metrics.Metrics) *Listener {
	build := func(device string, sampleRate int) (string, []string, error) {
		return audio.BuildCaptureCommand(device, ffmpegPath, sampleRate)
	}
	return &Listener{
		config:       cfg,
		buildCommand: build,
		pipeline:     NewPipeline(detector, hooks.OnClap, m),
		metrics:      m,
		hooks:        hooks,
		state:        types.ListenerStopped,
		backoff:      util.NewBackoff(types.InitialRetryDelay, types.MaxRetryDelay),
	}
}

// State returns the current listener state.
func (l *Listener) State() types.ListenerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Levels returns the current meter reading, or silence when not capturing.
func (l *Listener) Levels() audio.Levels {
	if l.State() != types.ListenerRunning {
		return audio.SilentLevels
	}
	return l.pipeline.Levels()
}

// Status returns the current listener status.
func (l *Listener) Status() types.ListenerStatus {
	counters := l.pipeline.Counters()

	l.mu.RLock()
	defer l.mu.RUnlock()

	uptime := ""
	if l.state == types.ListenerRunning {
		uptime = time.Since(l.startTime).Truncate(time.Second).String()
	}

	return types.ListenerStatus{
		State:      l.state,
		Device:     l.device,
		Uptime:     uptime,
		LastError:  l.lastError,
		RetryCount: l.retryCount,
		MaxRetries: types.MaxRetries,
		Chunks:     counters.Chunks,
		Claps:      counters.Claps,
		Suppressed: counters.Suppressed,
		Invalid:    counters.Invalid,
		Exhausted:  l.exhausted,
	}
}

// Start begins capturing. The detector is re-armed.
func (l *Listener) Start() error {
	snap := l.config.Snapshot()
	name, _, err := l.buildCommand(snap.AudioInput, snap.SampleRate)
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%w: %s", ErrCaptureUnavailable, name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != types.ListenerStopped {
		return ErrAlreadyRunning
	}

	l.state = types.ListenerStarting
	l.stopChan = make(chan struct{})
	l.done = make(chan struct{})
	l.retryCount = 0
	l.exhausted = false
	l.lastError = ""
	l.backoff.Reset()
	l.pipeline.Reset()

	go l.runSourceLoop(l.stopChan, l.done)

	return nil
}

// Stop stops capturing with graceful shutdown. A chunk in flight may be dropped.
func (l *Listener) Stop() error {
	l.mu.Lock()

	if l.state == types.ListenerStopped || l.state == types.ListenerStopping {
		l.mu.Unlock()
		return nil
	}

	l.state = types.ListenerStopping
	close(l.stopChan)

	sourceCmd := l.sourceCmd
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	var errs []error

	if sourceCmd != nil && sourceCmd.Process != nil {
		if err := util.GracefulSignal(sourceCmd.Process); err != nil {
			slog.Warn("failed to send signal to capture", "error", err)
			errs = append(errs, fmt.Errorf("signal capture: %w", err))
		}
	}

	select {
	case <-done:
		slog.Info("capture stopped gracefully")
	case <-time.After(types.ShutdownTimeout):
		slog.Warn("capture did not stop in time, forcing kill")
		if cancel != nil {
			cancel()
		}
		errs = append(errs, errors.New("capture shutdown timeout"))
		select {
		case <-done:
		case <-time.After(types.ShutdownTimeout):
		}
	}

	l.mu.Lock()
	l.state = types.ListenerStopped
	l.sourceCmd = nil
	l.cancel = nil
	l.mu.Unlock()
	l.metrics.SetListenerRunning(false)

	return errors.Join(errs...)
}

// stopping reports whether stopChan was closed.
func stopping(stopChan <-chan struct{}) bool {
	select {
	case <-stopChan:
		return true
	default:
		return false
	}
}

// runSourceLoop runs the capture process until stopped or out of retries.
func (l *Listener) runSourceLoop(stopChan <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		if stopping(stopChan) {
			return
		}

		startTime := time.Now()
		stderrOutput, err := l.runSource(stopChan)
		runDuration := time.Since(startTime)

		if stopping(stopChan) {
			return
		}

		l.mu.Lock()
		if err != nil {
			errMsg := err.Error()
			if stderrOutput != "" {
				errMsg = stderrOutput
			}
			l.lastError = errMsg
			slog.Error("capture error", "error", errMsg)

			if runDuration >= types.SuccessThreshold {
				l.retryCount = 0
				l.backoff.Reset()
			} else {
				l.retryCount++
			}

			if l.retryCount >= types.MaxRetries {
				slog.Error("capture failed, giving up", "attempts", types.MaxRetries)
				l.state = types.ListenerStopped
				l.exhausted = true
				l.lastError = fmt.Sprintf("Stopped after %d failed attempts: %s", types.MaxRetries, errMsg)
				giveUpErr := errors.New(l.lastError)
				l.mu.Unlock()

				l.metrics.SetListenerRunning(false)
				if l.hooks.OnCaptureError != nil {
					l.hooks.OnCaptureError(errors.New(errMsg))
				}
				if l.hooks.OnGiveUp != nil {
					l.hooks.OnGiveUp(giveUpErr)
				}
				return
			}
		} else {
			l.retryCount = 0
			l.backoff.Reset()
		}

		l.state = types.ListenerStarting
		retryDelay := l.backoff.Next()
		attempt := l.retryCount + 1
		l.mu.Unlock()

		l.metrics.SetListenerRunning(false)
		l.metrics.RecordCaptureRestart()
		if err != nil && l.hooks.OnCaptureError != nil {
			l.hooks.OnCaptureError(err)
		}

		slog.Info("capture stopped, waiting before restart",
			"delay", retryDelay, "attempt", attempt, "max_retries", types.MaxRetries)
		select {
		case <-stopChan:
			return
		case <-time.After(retryDelay):
		}
	}
}

// runSource executes one capture run and feeds its output through the pipeline.
func (l *Listener) runSource(stopChan <-chan struct{}) (string, error) {
	snap := l.config.Snapshot()
	cmdName, args, err := l.buildCommand(snap.AudioInput, snap.SampleRate)
	if err != nil {
		return "", err
	}

	slog.Info("starting audio capture", "command", cmdName, "input", snap.AudioInput, "sample_rate", snap.SampleRate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := exec.CommandContext(ctx, cmdName, args...)

	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return "", err
	}

	func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.sourceCmd = cmd
		l.cancel = cancel
		l.device = snap.AudioInput
		l.state = types.ListenerRunning
		l.startTime = time.Now()
	}()
	l.metrics.SetListenerRunning(true)

	l.readChunks(stdout, snap.ChunkFrames, stopChan)
	err = cmd.Wait()

	func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.sourceCmd = nil
		l.cancel = nil
	}()

	return util.ExtractLastError(stderrBuf.String()), err
}

// readChunks reads fixed-size chunks from r until EOF and runs each through
// the pipeline in arrival order. Chunks read after a stop request are dropped.
func (l *Listener) readChunks(r io.Reader, chunkFrames int, stopChan <-chan struct{}) {
	chunkFrames = max(chunkFrames, 1)
	buf := make([]byte, chunkFrames*2*audio.CaptureChannels)
	chunk := make(audio.Chunk, 0, chunkFrames)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 && !stopping(stopChan) {
			chunk = audio.DecodeS16LE(buf[:n], audio.CaptureChannels, chunk)
			if _, _, perr := l.pipeline.Process(chunk, time.Now()); perr != nil {
				slog.Debug("chunk skipped", "bytes", n, "error", perr)
			}
		}
		if err != nil {
			return
		}
	}
}
