package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChunkBoundaries(t *testing.T) {
	m := New(105, 10)
	require.Equal(t, 11, m.ChunkCount())
	chunks := m.Chunks()
	last := chunks[len(chunks)-1]
	assert.Equal(t, int64(100), last.Start)
	assert.Equal(t, int64(105), last.End)
	assert.EqualValues(t, 5, last.Size())
}

func TestNewExactMultiple(t *testing.T) {
	m := New(100, 10)
	require.Equal(t, 10, m.ChunkCount())
	for _, c := range m.Chunks() {
		assert.EqualValues(t, 10, c.Size())
	}
}

func TestNewZeroSize(t *testing.T) {
	m := New(0, 10)
	require.Equal(t, 1, m.ChunkCount())
	assert.True(t, m.IsCompleted())
	assert.Equal(t, 1.0, m.ProgressRatio())
}

func TestNewSmallerThanChunkSize(t *testing.T) {
	m := New(3, 10)
	require.Equal(t, 1, m.ChunkCount())
	assert.EqualValues(t, 3, m.Chunks()[0].Size())
}

func TestNextPendingOrderAndInFlight(t *testing.T) {
	m := New(30, 10)

	first, ok := m.NextPending()
	require.True(t, ok)
	assert.Equal(t, 0, first.Index)

	// chunk 0 is now in flight; the next pick must skip it.
	second, ok := m.NextPending()
	require.True(t, ok)
	assert.Equal(t, 1, second.Index)

	require.NoError(t, m.UnmarkInFlight(0))
	third, ok := m.NextPending()
	require.True(t, ok)
	assert.Equal(t, 0, third.Index)
}

func TestMarkCompletedIsIdempotent(t *testing.T) {
	m := New(20, 10)
	_, _ = m.NextPending()
	require.NoError(t, m.MarkCompleted(0))
	before := m.DownloadedBytes()
	require.NoError(t, m.MarkCompleted(0))
	assert.Equal(t, before, m.DownloadedBytes())
	assert.EqualValues(t, 10, before)
}

func TestProgressAggregates(t *testing.T) {
	m := New(40, 10)
	for i := 0; i < 4; i++ {
		c, ok := m.NextPending()
		require.True(t, ok)
		require.NoError(t, m.MarkCompleted(c.Index))
	}
	assert.True(t, m.IsCompleted())
	assert.Equal(t, 1.0, m.ProgressRatio())
	assert.Equal(t, 4, m.CompletedCount())
}

func TestRestoreCompletedFromBitset(t *testing.T) {
	m := New(40, 10)
	m.RestoreCompleted([]int{0, 2})
	assert.True(t, m.Chunks()[0].Completed)
	assert.False(t, m.Chunks()[1].Completed)
	assert.True(t, m.Chunks()[2].Completed)
	assert.Equal(t, 2, m.CompletedCount())
}

func TestMarshalStateRoundTrip(t *testing.T) {
	m := New(40, 10)
	require.NoError(t, m.MarkCompleted(1))
	bits := m.MarshalState()
	fresh := New(40, 10)
	indices := []int{}
	for i, done := range bits {
		if done {
			indices = append(indices, i)
		}
	}
	fresh.RestoreCompleted(indices)
	assert.Equal(t, m.Chunks(), fresh.Chunks())
}

func TestTierChunkSizeAlignedToFourMiB(t *testing.T) {
	for _, tier := range []AccountTier{TierNormal, TierVIP, TierSVIP} {
		for _, size := range []int64{1024, 500 * 1024 * 1024, 10 * 1024 * 1024 * 1024} {
			got := TierChunkSize(tier, size)
			assert.Zero(t, got%FourMiB, "tier=%v size=%d chunkSize=%d not 4MiB-aligned", tier, size, got)
		}
	}
}
