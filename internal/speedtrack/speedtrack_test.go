package speedtrack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerSpeedOverWindow(t *testing.T) {
	s := NewSampler(time.Hour)
	s.Add(1000)
	s.Add(1000)
	assert.Greater(t, s.Speed(), 0.0)
}

func TestSamplerEvictsOldSamples(t *testing.T) {
	s := NewSampler(10 * time.Millisecond)
	s.Add(1000)
	time.Sleep(30 * time.Millisecond)
	s.Add(1000)
	// only the second sample should remain in the window eventually.
	speed := s.Speed()
	assert.Greater(t, speed, 0.0)
}

func TestBatchAccumulatorFlushesAtThreshold(t *testing.T) {
	sampler := NewSampler(time.Hour)
	var flushed []int64
	acc := NewBatchAccumulator(sampler, 256*1024, func(b int64) {
		flushed = append(flushed, b)
	})
	acc.Add(100 * 1024)
	assert.Empty(t, flushed, "should not flush below threshold")
	acc.Add(200 * 1024)
	require.Len(t, flushed, 1)
	assert.EqualValues(t, 300*1024, flushed[0])
}

func TestBatchAccumulatorFlushForcesRemainder(t *testing.T) {
	sampler := NewSampler(time.Hour)
	var flushed []int64
	acc := NewBatchAccumulator(sampler, 256*1024, func(b int64) {
		flushed = append(flushed, b)
	})
	acc.Add(10 * 1024)
	acc.Flush()
	require.Len(t, flushed, 1)
	assert.EqualValues(t, 10*1024, flushed[0])
}

func TestHealthTrackerMedianRequiresFiveSamples(t *testing.T) {
	h := NewHealthTracker()
	for i := 0; i < 4; i++ {
		h.Observe(100)
	}
	_, ok := h.Median()
	assert.False(t, ok)

	h.Observe(100)
	median, ok := h.Median()
	require.True(t, ok)
	assert.Equal(t, 100.0, median)
}

func TestHealthTrackerWindowCapacity(t *testing.T) {
	h := NewHealthTracker()
	for i := 0; i < 10; i++ {
		h.Observe(float64(i))
	}
	assert.Equal(t, RecentWindowCapacity, h.SampleCount())
}

func TestHealthTrackerResetWindow(t *testing.T) {
	h := NewHealthTracker()
	for i := 0; i < 5; i++ {
		h.Observe(100)
	}
	h.ResetWindow()
	assert.Equal(t, 0, h.SampleCount())
	_, ok := h.Median()
	assert.False(t, ok)
}

func TestHealthTrackerEWMASeedsOnFirstSample(t *testing.T) {
	h := NewHealthTracker()
	h.Observe(200)
	assert.Equal(t, 200.0, h.EWMASpeed())
}

func TestHealthTrackerEWMAWeightsExistingAverageAt85Percent(t *testing.T) {
	h := NewHealthTracker()
	h.Observe(200)
	h.Observe(0)
	// 0.85*200 + 0.15*0 = 170, not 0.15*200 + 0.85*0 = 30.
	assert.InDelta(t, 170.0, h.EWMASpeed(), 0.001)
}

func TestMedianHelperEvenAndOdd(t *testing.T) {
	assert.Equal(t, 2.0, Median([]float64{1, 2, 3}))
	assert.Equal(t, 2.5, Median([]float64{1, 2, 3, 4}))
	assert.Equal(t, 0.0, Median(nil))
}
