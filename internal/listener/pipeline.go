package listener

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oszuidwest/clapfinder/internal/audio"
	"github.com/oszuidwest/clapfinder/internal/metrics"
	"github.com/oszuidwest/clapfinder/internal/types"
)

// Counters summarizes what a Pipeline has processed.
type Counters struct {
	Chunks     uint64
	Claps      uint64
	Suppressed uint64
	Invalid    uint64
}

// Pipeline runs amplitude analysis and clap detection on chunks.
// Process must be called from a single goroutine so that chunks are
// evaluated in arrival order.
type Pipeline struct {
	detector   *audio.ClapDetector
	peakHolder *audio.PeakHolder
	metrics    *metrics.Metrics
	handler    types.ClapHandler

	mu     sync.RWMutex
	levels audio.Levels

	chunks     atomic.Uint64
	claps      atomic.Uint64
	suppressed atomic.Uint64
	invalid    atomic.Uint64
}

// NewPipeline creates a pipeline that reports accepted events to handler.
// The handler may be nil.
func NewPipeline(detector *audio.ClapDetector, handler types.ClapHandler, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		detector:   detector,
		peakHolder: audio.NewPeakHolder(),
		metrics:    m,
		handler:    handler,
		levels:     audio.SilentLevels,
	}
}

// Detector returns the detector used by the pipeline.
func (p *Pipeline) Detector() *audio.ClapDetector {
	return p.detector
}

// Process analyzes chunk and evaluates it against the detector at now.
// It returns the accepted event, if any. An empty chunk is counted and
// reported as audio.ErrEmptyChunk without touching the detector.
// The handler is invoked on its own goroutine.
func (p *Pipeline) Process(chunk audio.Chunk, now time.Time) (types.ClapEvent, bool, error) {
	start := time.Now()

	m, err := audio.Analyze(chunk)
	if err != nil {
		p.invalid.Add(1)
		p.metrics.RecordInvalidChunk()
		return types.ClapEvent{}, false, err
	}

	dec := p.detector.Decide(m, now)
	threshold := dec.Threshold

	p.chunks.Add(1)
	p.metrics.RecordChunk(m.RMS, m.Peak, time.Since(start))
	p.updateLevels(m, dec.Loud, now)

	if !dec.Fired {
		if dec.Loud {
			p.suppressed.Add(1)
			p.metrics.RecordSuppressed()
		}
		return types.ClapEvent{}, false, nil
	}

	ev := types.ClapEvent{
		ID:        uuid.NewString(),
		Time:      now,
		RMS:       m.RMS,
		Peak:      m.Peak,
		Threshold: threshold,
	}
	p.claps.Add(1)
	p.metrics.RecordClap()
	slog.Info("clap detected", "id", ev.ID, "rms", m.RMS, "peak", m.Peak, "threshold", threshold)

	if p.handler != nil {
		go p.deliver(ev)
	}
	return ev, true, nil
}

// deliver hands ev to the handler, containing any panic.
func (p *Pipeline) deliver(ev types.ClapEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in clap handler", "id", ev.ID, "panic", r)
		}
	}()
	p.handler(ev)
}

func (p *Pipeline) updateLevels(m audio.Metrics, loud bool, now time.Time) {
	held := p.peakHolder.Update(m.PeakDB(), now)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.levels = audio.Levels{RMS: m.RMSDB(), Peak: held, Loud: loud}
}

// Levels returns the most recent meter reading.
func (p *Pipeline) Levels() audio.Levels {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.levels
}

// Counters returns the processing counters since the last Reset.
func (p *Pipeline) Counters() Counters {
	return Counters{
		Chunks:     p.chunks.Load(),
		Claps:      p.claps.Load(),
		Suppressed: p.suppressed.Load(),
		Invalid:    p.invalid.Load(),
	}
}

// Reset clears counters and levels and re-arms the detector.
func (p *Pipeline) Reset() {
	p.detector.Reset()
	p.peakHolder.Reset()
	p.chunks.Store(0)
	p.claps.Store(0)
	p.suppressed.Store(0)
	p.invalid.Store(0)

	p.mu.Lock()
	p.levels = audio.SilentLevels
	p.mu.Unlock()
}
