// Package throughput estimates network throughput from completed downloads.
package throughput

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultWindowSize is the default number of downloads kept for the rolling average.
	DefaultWindowSize = 10

	// DefaultMinSamples is the default number of downloads needed before an estimate is reported.
	DefaultMinSamples = 1
)

// sample is a single completed download.
type sample struct {
	bytes     uint64
	elapsed   time.Duration
	timestamp time.Time
}

// Estimator tracks bytes transferred per download and reports the rolling
// average throughput over the most recent downloads.
type Estimator struct {
	totalBytes atomic.Uint64

	mu         sync.RWMutex
	samples    []sample
	windowSize int
	minSamples int
	now        func() time.Time
}

// NewEstimator creates an estimator with default settings.
func NewEstimator() *Estimator {
	return NewEstimatorWithConfig(DefaultWindowSize, DefaultMinSamples)
}

// NewEstimatorWithConfig creates an estimator with custom settings.
func NewEstimatorWithConfig(windowSize, minSamples int) *Estimator {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if minSamples > windowSize {
		minSamples = windowSize
	}
	return &Estimator{
		samples:    make([]sample, 0, windowSize),
		windowSize: windowSize,
		minSamples: minSamples,
		now:        time.Now,
	}
}

// Add records a completed download of n bytes that took elapsed.
// Downloads with no measurable duration are counted in the total only.
func (e *Estimator) Add(n uint64, elapsed time.Duration) {
	e.totalBytes.Add(n)
	if elapsed <= 0 || n == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, sample{bytes: n, elapsed: elapsed, timestamp: e.now()})
	if len(e.samples) > e.windowSize {
		e.samples = e.samples[len(e.samples)-e.windowSize:]
	}
}

// AverageThroughput returns the average throughput over the window in bits
// per second, or 0 until enough downloads have been recorded.
func (e *Estimator) AverageThroughput() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.samples) < e.minSamples {
		return 0
	}

	var bytes uint64
	var elapsed time.Duration
	for _, s := range e.samples {
		bytes += s.bytes
		elapsed += s.elapsed
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) * 8 / elapsed.Seconds()
}

// History returns the throughput of each download in the window, oldest first,
// in bits per second.
func (e *Estimator) History() []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.samples) == 0 {
		return nil
	}

	history := make([]uint64, len(e.samples))
	for i, s := range e.samples {
		history[i] = uint64(float64(s.bytes) * 8 / s.elapsed.Seconds())
	}
	return history
}

// LastSampleTime returns when the most recent download was recorded.
func (e *Estimator) LastSampleTime() (time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.samples) == 0 {
		return time.Time{}, false
	}
	return e.samples[len(e.samples)-1].timestamp, true
}

// TotalBytes returns the cumulative bytes downloaded.
func (e *Estimator) TotalBytes() uint64 {
	return e.totalBytes.Load()
}

// Reset clears all tracking data.
func (e *Estimator) Reset() {
	e.totalBytes.Store(0)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = e.samples[:0]
}

// WindowSize returns the configured window size.
func (e *Estimator) WindowSize() int {
	return e.windowSize
}

// SampleCount returns the current number of samples in the window.
func (e *Estimator) SampleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.samples)
}
