package throughput

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimator_NewWithDefaults(t *testing.T) {
	e := NewEstimator()

	assert.Equal(t, DefaultWindowSize, e.WindowSize())
	assert.Equal(t, uint64(0), e.TotalBytes())
	assert.Equal(t, 0, e.SampleCount())
	assert.Zero(t, e.AverageThroughput())
	assert.Nil(t, e.History())
}

func TestEstimator_NewWithInvalidConfig(t *testing.T) {
	e := NewEstimatorWithConfig(0, -1)
	assert.Equal(t, DefaultWindowSize, e.WindowSize())
	assert.Equal(t, DefaultMinSamples, e.minSamples)

	// More required samples than the window can hold is clamped.
	e = NewEstimatorWithConfig(3, 10)
	assert.Equal(t, 3, e.minSamples)
}

func TestEstimator_AverageThroughput(t *testing.T) {
	e := NewEstimatorWithConfig(5, 1)

	// 1 MB in 1s is 8 Mbit/s.
	e.Add(1_000_000, time.Second)
	assert.InDelta(t, 8_000_000, e.AverageThroughput(), 0.001)

	// 1 MB in 3s brings the window to 2 MB over 4s.
	e.Add(1_000_000, 3*time.Second)
	assert.InDelta(t, 4_000_000, e.AverageThroughput(), 0.001)
	assert.Equal(t, uint64(2_000_000), e.TotalBytes())
}

func TestEstimator_MinSamples(t *testing.T) {
	e := NewEstimatorWithConfig(5, 3)

	e.Add(500_000, time.Second)
	e.Add(500_000, time.Second)
	assert.Zero(t, e.AverageThroughput())

	e.Add(500_000, time.Second)
	assert.InDelta(t, 4_000_000, e.AverageThroughput(), 0.001)
}

func TestEstimator_WindowLimit(t *testing.T) {
	e := NewEstimatorWithConfig(3, 1)

	for range 5 {
		e.Add(1000, time.Millisecond)
	}
	assert.Equal(t, 3, e.SampleCount())
	assert.Equal(t, uint64(5000), e.TotalBytes())

	// Old slow samples fall out of the window.
	e = NewEstimatorWithConfig(2, 1)
	e.Add(1000, 10*time.Second)
	e.Add(1_000_000, time.Second)
	e.Add(1_000_000, time.Second)
	assert.InDelta(t, 8_000_000, e.AverageThroughput(), 0.001)
}

func TestEstimator_IgnoresUnmeasurableDownloads(t *testing.T) {
	e := NewEstimator()

	e.Add(4096, 0)
	e.Add(0, time.Second)

	assert.Equal(t, 0, e.SampleCount())
	assert.Equal(t, uint64(4096), e.TotalBytes())
}

func TestEstimator_History(t *testing.T) {
	e := NewEstimatorWithConfig(5, 1)

	e.Add(125_000, time.Second)
	e.Add(250_000, time.Second)

	assert.Equal(t, []uint64{1_000_000, 2_000_000}, e.History())
}

func TestEstimator_LastSampleTime(t *testing.T) {
	e := NewEstimator()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	_, ok := e.LastSampleTime()
	assert.False(t, ok)

	e.Add(100, time.Millisecond)
	got, ok := e.LastSampleTime()
	require.True(t, ok)
	assert.Equal(t, fixed, got)
}

func TestEstimator_Reset(t *testing.T) {
	e := NewEstimator()
	e.Add(1000, time.Second)

	e.Reset()

	assert.Equal(t, uint64(0), e.TotalBytes())
	assert.Equal(t, 0, e.SampleCount())
	assert.Zero(t, e.AverageThroughput())
}

func TestEstimator_Concurrent(t *testing.T) {
	e := NewEstimatorWithConfig(50, 1)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				e.Add(100, time.Millisecond)
				_ = e.AverageThroughput()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(100_000), e.TotalBytes())
	assert.Equal(t, 50, e.SampleCount())
}
