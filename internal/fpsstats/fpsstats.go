// Package fpsstats measures the completion rate of a stream.
//
// A Window keeps the most recent completion times in a ring and derives rate
// and jitter statistics from them on demand.
package fpsstats

import (
	"math"
	"sync"
	"time"
)

const (
	// rateStabilityThreshold: stable if stddev < 15% of mean rate.
	rateStabilityThreshold = 0.15

	// jitterStabilityThreshold: stable if mean jitter < 20% of the expected interval.
	jitterStabilityThreshold = 0.20

	// DefaultWindow is the number of completions a Window keeps.
	DefaultWindow = 120
)

// Stats summarises a series of completion times.
type Stats struct {
	Frames     int           `yaml:"frames" json:"frames"`
	Span       time.Duration `yaml:"span" json:"span"`
	FPSMean    float64       `yaml:"fps_mean" json:"fps_mean"`
	FPSStdDev  float64       `yaml:"fps_stddev" json:"fps_stddev"`
	FPSMin     float64       `yaml:"fps_min" json:"fps_min"`
	FPSMax     float64       `yaml:"fps_max" json:"fps_max"`
	JitterMean time.Duration `yaml:"jitter_mean" json:"jitter_mean"`
	JitterMax  time.Duration `yaml:"jitter_max" json:"jitter_max"`
	IsStable   bool          `yaml:"stable" json:"stable"`
}

// Calculate derives Stats from ordered completion times.
//
// Mean rate is intervals/span, so a window of n frames yields n-1 intervals.
// Fewer than two frames yields zero rates.
func Calculate(times []time.Time) Stats {
	n := len(times)
	if n < 2 {
		return Stats{Frames: n}
	}

	span := times[n-1].Sub(times[0])
	if span <= 0 {
		return Stats{Frames: n}
	}
	mean := float64(n-1) / span.Seconds()

	var (
		fpsMin, fpsMax = math.MaxFloat64, 0.0
		sumSquares     float64
		valid          int
	)
	for i := 1; i < n; i++ {
		interval := times[i].Sub(times[i-1]).Seconds()
		if interval <= 0 {
			continue
		}
		fps := 1.0 / interval
		fpsMin = math.Min(fpsMin, fps)
		fpsMax = math.Max(fpsMax, fps)
		diff := fps - mean
		sumSquares += diff * diff
		valid++
	}
	if valid == 0 {
		return Stats{Frames: n, Span: span, FPSMean: mean}
	}
	stddev := math.Sqrt(sumSquares / float64(valid))

	expected := 1.0 / mean
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		j := math.Abs(times[i].Sub(times[i-1]).Seconds() - expected)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(n-1)

	return Stats{
		Frames:     n,
		Span:       span,
		FPSMean:    mean,
		FPSStdDev:  stddev,
		FPSMin:     fpsMin,
		FPSMax:     fpsMax,
		JitterMean: seconds(jitterMean),
		JitterMax:  seconds(jitterMax),
		IsStable:   stddev < mean*rateStabilityThreshold && jitterMean < expected*jitterStabilityThreshold,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Window is a fixed-size ring of completion times. Safe for concurrent use.
type Window struct {
	mu    sync.Mutex
	ring  []time.Time
	next  int
	count int
}

// NewWindow returns a window holding the last size completions
// (DefaultWindow when size <= 0).
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Window{ring: make([]time.Time, size)}
}

// Add records a completion.
func (w *Window) Add(t time.Time) {
	w.mu.Lock()
	w.ring[w.next] = t
	w.next = (w.next + 1) % len(w.ring)
	if w.count < len(w.ring) {
		w.count++
	}
	w.mu.Unlock()
}

// Reset forgets every completion.
func (w *Window) Reset() {
	w.mu.Lock()
	w.next, w.count = 0, 0
	w.mu.Unlock()
}

// Snapshot computes Stats over the window contents.
func (w *Window) Snapshot() Stats {
	w.mu.Lock()
	times := make([]time.Time, 0, w.count)
	start := (w.next - w.count + len(w.ring)) % len(w.ring)
	for i := 0; i < w.count; i++ {
		times = append(times, w.ring[(start+i)%len(w.ring)])
	}
	w.mu.Unlock()
	return Calculate(times)
}
