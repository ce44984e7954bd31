// Package audio provides the amplitude analysis and clap detection core,
// together with the platform-specific capture command helpers.
package audio

import (
	"errors"
	"math"
)

const (
	// MinDB is the minimum dB level reported for silence.
	MinDB = -60.0
	// MaxSampleValue is the maximum absolute value for 16-bit signed audio.
	MaxSampleValue = 32768.0
)

// ErrEmptyChunk is returned when a chunk without samples is analyzed.
var ErrEmptyChunk = errors.New("audio chunk contains no samples")

// Chunk is one capture buffer of mono samples in the range [-1.0, 1.0].
// Its length is chosen by the capture source and may vary between calls.
type Chunk []float32

// Metrics holds the amplitude measurements of a single chunk.
type Metrics struct {
	RMS  float64 `json:"rms"`  // Quadratic mean of the samples
	Peak float64 `json:"peak"` // Maximum absolute sample value
}

// Analyze computes RMS and peak amplitude for a chunk.
// It has no side effects and is safe to call concurrently on independent chunks.
func Analyze(chunk Chunk) (Metrics, error) {
	if len(chunk) == 0 {
		return Metrics{}, ErrEmptyChunk
	}

	var sumSquares, peak float64
	for _, s := range chunk {
		v := float64(s)
		sumSquares += v * v
		if abs := math.Abs(v); abs > peak {
			peak = abs
		}
	}

	rms := math.Sqrt(sumSquares / float64(len(chunk)))

	// Rounding in the accumulator can push rms a few ulps above peak.
	return Metrics{RMS: min(rms, peak), Peak: peak}, nil
}

// RMSDB returns the RMS level in dBFS, clamped to MinDB.
func (m Metrics) RMSDB() float64 {
	return toDB(m.RMS)
}

// PeakDB returns the peak level in dBFS, clamped to MinDB.
func (m Metrics) PeakDB() float64 {
	return toDB(m.Peak)
}

// toDB converts a linear amplitude (full scale = 1.0) to dBFS.
func toDB(v float64) float64 {
	if v <= 0 {
		return MinDB
	}
	return max(20*math.Log10(v), MinDB)
}
