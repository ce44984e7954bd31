package audio

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Detection defaults and limits.
const (
	// DefaultThreshold is the default RMS threshold (linear, full scale = 1.0).
	DefaultThreshold = 0.02
	// MinRecommendedThreshold is the most sensitive recommended threshold.
	MinRecommendedThreshold = 0.005
	// MaxRecommendedThreshold is the least sensitive recommended threshold.
	MaxRecommendedThreshold = 0.1
	// DefaultCooldown spans the alarm's own playback so it cannot re-trigger detection.
	DefaultCooldown = 10 * time.Second
	// PeakFactor scales the threshold for the transient (peak) path.
	// A short clap raises the peak sharply while barely moving RMS over a whole buffer.
	PeakFactor = 3.0
)

// Sentinel errors for detector configuration.
var (
	ErrInvalidThreshold = errors.New("threshold must be a positive finite number")
	ErrInvalidCooldown  = errors.New("cooldown must not be negative")
)

// DetectorState is the debounce state of a ClapDetector.
type DetectorState string

const (
	// StateArmed means the next loud chunk fires an event.
	StateArmed DetectorState = "armed"
	// StateCooling means loud chunks are suppressed until the cooldown elapses.
	StateCooling DetectorState = "cooling"
)

// DetectorStatus is a point-in-time view of a ClapDetector.
type DetectorStatus struct {
	State       DetectorState `json:"state"`
	Threshold   float64       `json:"threshold"`
	CooldownMs  int64         `json:"cooldown_ms"`
	RemainingMs int64         `json:"remaining_ms,omitzero"`
	LastEvent   time.Time     `json:"last_event,omitzero"`
}

// ClapDetector applies a threshold and cooldown to amplitude metrics.
// Evaluate calls are serialized; threshold and cooldown may be updated
// from any goroutine and take effect on the next evaluation.
type ClapDetector struct {
	threshold atomic.Uint64 // math.Float64bits of the threshold
	cooldown  atomic.Int64  // time.Duration

	mu        sync.Mutex
	lastEvent time.Time // monotonic time of the last accepted event
	fired     bool      // false means the last event was infinitely long ago
}

// NewClapDetector creates an armed detector.
func NewClapDetector(threshold float64, cooldown time.Duration) (*ClapDetector, error) {
	d := &ClapDetector{}
	if err := d.SetThreshold(threshold); err != nil {
		return nil, err
	}
	if err := d.SetCooldown(cooldown); err != nil {
		return nil, err
	}
	return d, nil
}

// Decision is the outcome of evaluating one chunk. Threshold is the value
// both Loud and Fired were computed with.
type Decision struct {
	Loud      bool
	Fired     bool
	Threshold float64
}

// isLoud reports whether m crosses threshold on either path.
func isLoud(m Metrics, threshold float64) bool {
	return m.RMS > threshold || m.Peak > threshold*PeakFactor
}

// Evaluate reports whether m qualifies as a clap event at now.
func (d *ClapDetector) Evaluate(m Metrics, now time.Time) bool {
	return d.Decide(m, now).Fired
}

// Decide evaluates m at now against a single reading of the threshold.
// A qualifying event arms the cooldown; loud chunks inside the cooldown
// window are suppressed without extending it.
func (d *ClapDetector) Decide(m Metrics, now time.Time) Decision {
	dec := Decision{Threshold: d.Threshold()}
	dec.Loud = isLoud(m, dec.Threshold)
	if !dec.Loud {
		return dec
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fired && now.Sub(d.lastEvent) <= d.Cooldown() {
		return dec
	}

	d.lastEvent = now
	d.fired = true
	dec.Fired = true
	return dec
}

// Threshold returns the current threshold.
func (d *ClapDetector) Threshold() float64 {
	return math.Float64frombits(d.threshold.Load())
}

// SetThreshold updates the threshold. Non-positive or non-finite values are
// rejected and the previous threshold is kept. The cooldown is not touched.
func (d *ClapDetector) SetThreshold(v float64) error {
	if !(v > 0) || math.IsInf(v, 0) {
		return ErrInvalidThreshold
	}
	d.threshold.Store(math.Float64bits(v))
	return nil
}

// Cooldown returns the minimum interval between two accepted events.
func (d *ClapDetector) Cooldown() time.Duration {
	return time.Duration(d.cooldown.Load())
}

// SetCooldown updates the cooldown duration.
func (d *ClapDetector) SetCooldown(cooldown time.Duration) error {
	if cooldown < 0 {
		return ErrInvalidCooldown
	}
	d.cooldown.Store(int64(cooldown))
	return nil
}

// Reset re-arms detection regardless of the elapsed cooldown.
func (d *ClapDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastEvent = time.Time{}
	d.fired = false
}

// Status returns the detector state as seen at now.
func (d *ClapDetector) Status(now time.Time) DetectorStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	cooldown := d.Cooldown()
	status := DetectorStatus{
		State:      StateArmed,
		Threshold:  d.Threshold(),
		CooldownMs: cooldown.Milliseconds(),
	}
	if !d.fired {
		return status
	}

	status.LastEvent = d.lastEvent
	if elapsed := now.Sub(d.lastEvent); elapsed <= cooldown {
		status.State = StateCooling
		status.RemainingMs = (cooldown - elapsed).Milliseconds()
	}
	return status
}
