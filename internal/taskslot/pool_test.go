package taskslot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateFixedTakesLowestFreeID(t *testing.T) {
	p := NewPool(3)
	id, ok := p.AllocateFixed("task-1", false)
	require.True(t, ok)
	assert.Equal(t, 0, id)

	id2, ok := p.AllocateFixed("task-2", false)
	require.True(t, ok)
	assert.Equal(t, 1, id2)
}

func TestAllocateFixedExhausted(t *testing.T) {
	p := NewPool(1)
	_, ok := p.AllocateFixed("task-1", false)
	require.True(t, ok)
	_, ok = p.AllocateFixed("task-2", false)
	assert.False(t, ok)
}

func TestAllocateBorrowedTakesUpToCountPossiblyFewer(t *testing.T) {
	p := NewPool(2)
	ids := p.AllocateBorrowed("folder-1", 5)
	assert.Len(t, ids, 2)
	assert.ElementsMatch(t, []int{0, 1}, p.GetBorrowedSlots("folder-1"))
}

func TestReleaseFixedOnlyReleasesOneFixedSlot(t *testing.T) {
	p := NewPool(3)
	p.AllocateFixed("task-1", false)
	ok := p.ReleaseFixed("task-1")
	assert.True(t, ok)
	assert.Equal(t, 3, p.AvailableSlots())
}

func TestReleaseBorrowedVerifiesHolder(t *testing.T) {
	p := NewPool(2)
	ids := p.AllocateBorrowed("folder-1", 1)
	require.Len(t, ids, 1)
	ok := p.ReleaseBorrowed("wrong-folder", ids[0])
	assert.False(t, ok)
	ok = p.ReleaseBorrowed("folder-1", ids[0])
	assert.True(t, ok)
	assert.Empty(t, p.GetBorrowedSlots("folder-1"))
}

func TestReleaseAllDropsBorrowedMapEntry(t *testing.T) {
	p := NewPool(3)
	p.AllocateBorrowed("folder-1", 2)
	p.ReleaseAll("folder-1")
	assert.Equal(t, 3, p.AvailableSlots())
	_, ok := p.FindFolderWithBorrowedSlots()
	assert.False(t, ok)
}

func TestFindFolderWithBorrowedSlots(t *testing.T) {
	p := NewPool(5)
	p.AllocateBorrowed("folder-b", 1)
	p.AllocateBorrowed("folder-a", 1)
	folder, ok := p.FindFolderWithBorrowedSlots()
	require.True(t, ok)
	assert.Equal(t, "folder-a", folder, "deterministic tie-break by sorted folder id")
}

func TestResizeGrowAppendsFreeSlots(t *testing.T) {
	p := NewPool(2)
	p.AllocateFixed("task-1", false)
	p.Resize(4)
	assert.Equal(t, 4, p.MaxSlots())
	assert.Equal(t, 3, p.AvailableSlots())
}

func TestResizeShrinkKeepsOccupiedSlotsBeyondCap(t *testing.T) {
	p := NewPool(3)
	p.AllocateFixed("task-1", false)
	p.AllocateFixed("task-2", false)
	p.AllocateFixed("task-3", false) // occupies slot id 2
	p.Resize(1)
	assert.Equal(t, 1, p.MaxSlots())
	// slot 2 stays occupied until released; no crash, no new allocations
	// beyond the cap.
	_, ok := p.AllocateFixed("task-4", false)
	assert.False(t, ok)
	slotID, _, ok := p.GetTaskSlot("task-3")
	require.True(t, ok)
	assert.Equal(t, 2, slotID)
}

func TestResizeShrinkTruncatesWhenAllFree(t *testing.T) {
	p := NewPool(3)
	p.Resize(1)
	assert.Equal(t, 1, p.MaxSlots())
	assert.Equal(t, 1, p.AvailableSlots())
}

func TestGetTaskSlotReturnsTypeAndID(t *testing.T) {
	p := NewPool(2)
	p.AllocateFixed("task-1", true)
	id, typ, ok := p.GetTaskSlot("task-1")
	require.True(t, ok)
	assert.Equal(t, 0, id)
	assert.Equal(t, Fixed, typ)
}
