package chunk

import (
	"fmt"
	"sync"
)

// FourMiB is the vendor's mandatory upload block-alignment unit. Adaptive
// chunk sizes are always rounded to a multiple of this, even for downloads,
// so the same chunk boundaries can back either transfer direction.
const FourMiB = 4 * 1024 * 1024

// AccountTier selects the adaptive chunk-size staircase. Higher tiers get
// larger chunks, within the vendor's 4 MiB-aligned constraint.
type AccountTier int

const (
	TierNormal AccountTier = iota
	TierVIP
	TierSVIP
)

// TierChunkSize picks an adaptive chunk size for a file of the given size
// and account tier, rounded to a multiple of FourMiB.
func TierChunkSize(tier AccountTier, fileSize int64) int64 {
	var base int64
	switch {
	case fileSize <= 100*1024*1024:
		base = FourMiB
	case fileSize <= 1024*1024*1024:
		base = 4 * FourMiB
	default:
		base = 8 * FourMiB
	}
	switch tier {
	case TierVIP:
		base *= 2
	case TierSVIP:
		base *= 4
	}
	return base - base%FourMiB
}

// Manager owns the ordered chunk vector for one task and the pure
// aggregate/selection operations over it. It is safe for concurrent use by
// the scheduler's worker pool.
type Manager struct {
	mu        sync.Mutex
	chunks    []Chunk
	totalSize int64
	chunkSize int64
}

// New builds the chunk set for totalSize split into chunkSize-aligned
// ranges: {[i*chunkSize, min((i+1)*chunkSize, totalSize))}. A zero-size file
// gets a single already-completed chunk.
func New(totalSize, chunkSize int64) *Manager {
	if chunkSize <= 0 {
		chunkSize = FourMiB
	}
	m := &Manager{totalSize: totalSize, chunkSize: chunkSize}
	if totalSize == 0 {
		m.chunks = []Chunk{{Index: 0, Start: 0, End: 0, Completed: true}}
		return m
	}
	count := (totalSize + chunkSize - 1) / chunkSize
	m.chunks = make([]Chunk, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > totalSize {
			end = totalSize
		}
		m.chunks = append(m.chunks, Chunk{Index: int(i), Start: start, End: end})
	}
	return m
}

// ChunkCount returns the number of chunks in the set.
func (m *Manager) ChunkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

// NextPending scans the chunk vector front-to-back for the lowest-indexed
// chunk with !Completed && !InFlight, marks it InFlight, and returns a copy.
// The second return value is false if no pending chunk exists.
func (m *Manager) NextPending() (Chunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.chunks {
		c := &m.chunks[i]
		if !c.Completed && !c.InFlight {
			c.InFlight = true
			return *c, true
		}
	}
	return Chunk{}, false
}

// MarkCompleted sets a chunk completed and clears its in-flight flag. It is
// idempotent: completing an already-completed chunk twice (a duplicate WAL
// replay) is a no-op beyond the flag assignment.
func (m *Manager) MarkCompleted(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.chunks) {
		return fmt.Errorf("chunk index %d out of range [0,%d)", index, len(m.chunks))
	}
	m.chunks[index].Completed = true
	m.chunks[index].InFlight = false
	return nil
}

// UnmarkInFlight clears only the in-flight flag, used when a worker's
// attempt fails and the chunk becomes eligible for NextPending again.
func (m *Manager) UnmarkInFlight(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.chunks) {
		return fmt.Errorf("chunk index %d out of range [0,%d)", index, len(m.chunks))
	}
	m.chunks[index].InFlight = false
	return nil
}

// IncrementRetries bumps a chunk's retry counter and returns the new value.
func (m *Manager) IncrementRetries(index int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.chunks) {
		return 0
	}
	m.chunks[index].Retries++
	return m.chunks[index].Retries
}

// DownloadedBytes sums the size of every completed chunk.
func (m *Manager) DownloadedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for i := range m.chunks {
		if m.chunks[i].Completed {
			total += m.chunks[i].Size()
		}
	}
	return total
}

// ProgressRatio returns downloaded/total in [0.0, 1.0]. A zero-size file is
// always 1.0 since its sole chunk is created already completed.
func (m *Manager) ProgressRatio() float64 {
	if m.totalSize == 0 {
		return 1.0
	}
	return float64(m.DownloadedBytes()) / float64(m.totalSize)
}

// CompletedCount returns how many chunks are marked Completed.
func (m *Manager) CompletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.chunks {
		if m.chunks[i].Completed {
			n++
		}
	}
	return n
}

// IsCompleted reports whether every chunk is completed.
func (m *Manager) IsCompleted() bool {
	return m.CompletedCount() == len(m.chunks)
}

// ActiveCount returns the number of chunks currently marked in-flight.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.chunks {
		if m.chunks[i].InFlight {
			n++
		}
	}
	return n
}

// MarshalState returns a bitset (one bool per chunk index) describing which
// chunks are completed, for WAL-assisted recovery reconstruction.
func (m *Manager) MarshalState() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.chunks))
	for i := range m.chunks {
		out[i] = m.chunks[i].Completed
	}
	return out
}

// RestoreCompleted marks the given indices completed in bulk, used during
// recovery to replay a WAL-derived bitset without re-validating each index.
func (m *Manager) RestoreCompleted(indices []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, idx := range indices {
		if idx >= 0 && idx < len(m.chunks) {
			m.chunks[idx].Completed = true
			m.chunks[idx].InFlight = false
		}
	}
}

// Chunks returns a defensive copy of the chunk vector for inspection.
func (m *Manager) Chunks() []Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Chunk, len(m.chunks))
	copy(out, m.chunks)
	return out
}

// TotalSize returns the file size this manager was constructed for.
func (m *Manager) TotalSize() int64 { return m.totalSize }

// ChunkSize returns the chunk size this manager was constructed with.
func (m *Manager) ChunkSize() int64 { return m.chunkSize }
