package audio

import (
	"sync"
	"time"
)

// DefaultPeakHoldDuration is how long a peak is held on the level meter before it decays.
const DefaultPeakHoldDuration = 1500 * time.Millisecond

// PeakHolder tracks the held peak of the live level meter.
// It is safe for concurrent use.
type PeakHolder struct {
	mu           sync.Mutex
	heldPeak     float64
	heldAt       time.Time
	holdDuration time.Duration
}

// NewPeakHolder creates a peak holder at MinDB with the default hold duration.
func NewPeakHolder() *PeakHolder {
	return &PeakHolder{
		heldPeak:     MinDB,
		holdDuration: DefaultPeakHoldDuration,
	}
}

// Update feeds a new peak (dBFS) and returns the held peak.
func (p *PeakHolder) Update(peakDB float64, now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peakDB >= p.heldPeak || now.Sub(p.heldAt) > p.holdDuration {
		p.heldPeak = peakDB
		p.heldAt = now
	}
	return p.heldPeak
}

// SetHoldDuration updates the peak hold duration.
func (p *PeakHolder) SetHoldDuration(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdDuration = d
}

// Reset drops the held peak back to MinDB.
func (p *PeakHolder) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heldPeak = MinDB
	p.heldAt = time.Time{}
}
