// Package taskslot implements the two-tier (fixed + borrowed) task-slot
// admission pool shared globally across single-file and folder transfers.
// It is grounded almost directly in the original client's
// task_slot_pool.rs.
package taskslot

import (
	"sort"
	"sync"
)

// SlotType distinguishes a slot claimed by a single task (Fixed) from one
// loaned to a folder for sub-task parallelism (Borrowed).
type SlotType int

const (
	Fixed SlotType = iota
	Borrowed
)

// Slot is one admission-control unit. HolderID is empty when the slot is
// free.
type Slot struct {
	ID           int
	Type         SlotType
	HolderID     string
	IsFolderMain bool
}

func (s *Slot) free() bool { return s.HolderID == "" }

// Pool is the global, fixed-capacity admission controller. A single mutex
// covers the slot vector and the borrowed-map, keeping allocate/release
// critical sections short.
type Pool struct {
	mu          sync.Mutex
	maxSlots    int
	slots       []Slot
	borrowedMap map[string][]int
}

// NewPool builds a pool with maxSlots free slots.
func NewPool(maxSlots int) *Pool {
	p := &Pool{maxSlots: maxSlots, borrowedMap: make(map[string][]int)}
	p.slots = make([]Slot, maxSlots)
	for i := range p.slots {
		p.slots[i] = Slot{ID: i}
	}
	return p
}

// MaxSlots returns the pool's current capacity.
func (p *Pool) MaxSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSlots
}

// Resize grows by appending new free slots, or shrinks by truncating unused
// slot ids above newMax. Slots above the new limit that are still occupied
// keep running until their holders release them; the cap is still lowered
// so new allocations won't use those ids.
func (p *Pool) Resize(newMax int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if newMax == p.maxSlots {
		return
	}
	if newMax > p.maxSlots {
		for i := p.maxSlots; i < newMax; i++ {
			p.slots = append(p.slots, Slot{ID: i})
		}
		p.maxSlots = newMax
		return
	}
	occupiedBeyond := false
	for i := newMax; i < len(p.slots); i++ {
		if !p.slots[i].free() {
			occupiedBeyond = true
			break
		}
	}
	if !occupiedBeyond {
		kept := p.slots[:0]
		for _, s := range p.slots {
			if s.ID < newMax {
				kept = append(kept, s)
			}
		}
		p.slots = kept
	}
	p.maxSlots = newMax
}

func (p *Pool) findFreeIndexLocked() int {
	for i := range p.slots {
		if p.slots[i].ID < p.maxSlots && p.slots[i].free() {
			return i
		}
	}
	return -1
}

// AllocateFixed returns the lowest free slot id bound to holderID as a
// Fixed slot, or false if none is free.
func (p *Pool) AllocateFixed(holderID string, isFolderMain bool) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.findFreeIndexLocked()
	if idx < 0 {
		return 0, false
	}
	p.slots[idx].Type = Fixed
	p.slots[idx].HolderID = holderID
	p.slots[idx].IsFolderMain = isFolderMain
	return p.slots[idx].ID, true
}

// AllocateBorrowed takes up to count free slots (possibly fewer) and
// records them under folderID in the borrowed map.
func (p *Pool) AllocateBorrowed(folderID string, count int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var allocated []int
	for len(allocated) < count {
		idx := p.findFreeIndexLocked()
		if idx < 0 {
			break
		}
		p.slots[idx].Type = Borrowed
		p.slots[idx].HolderID = folderID
		p.slots[idx].IsFolderMain = false
		allocated = append(allocated, p.slots[idx].ID)
	}
	if len(allocated) > 0 {
		p.borrowedMap[folderID] = append(p.borrowedMap[folderID], allocated...)
	}
	return allocated
}

// AvailableSlots returns the count of free slots within the current cap.
func (p *Pool) AvailableSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.slots {
		if p.slots[i].ID < p.maxSlots && p.slots[i].free() {
			n++
		}
	}
	return n
}

// UsedSlots returns the count of occupied slots within the current cap.
func (p *Pool) UsedSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.slots {
		if p.slots[i].ID < p.maxSlots && !p.slots[i].free() {
			n++
		}
	}
	return n
}

// ReleaseFixed clears the first Fixed slot held by holderID.
func (p *Pool) ReleaseFixed(holderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].HolderID == holderID && p.slots[i].Type == Fixed {
			p.slots[i] = Slot{ID: p.slots[i].ID}
			return true
		}
	}
	return false
}

// ReleaseBorrowed clears one borrowed slot, verifying it is currently held
// by folderID, and removes it from the borrowed map (dropping the map
// entry entirely once empty).
func (p *Pool) ReleaseBorrowed(folderID string, slotID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	found := false
	for i := range p.slots {
		if p.slots[i].ID == slotID {
			if p.slots[i].HolderID != folderID {
				return false
			}
			p.slots[i] = Slot{ID: slotID}
			found = true
			break
		}
	}
	if !found {
		return false
	}
	ids := p.borrowedMap[folderID]
	for i, id := range ids {
		if id == slotID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(p.borrowedMap, folderID)
	} else {
		p.borrowedMap[folderID] = ids
	}
	return true
}

// ReleaseAll clears every slot (Fixed or Borrowed) held by holderID and
// drops its borrowed-map entry.
func (p *Pool) ReleaseAll(holderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].HolderID == holderID {
			p.slots[i] = Slot{ID: p.slots[i].ID}
		}
	}
	delete(p.borrowedMap, holderID)
}

// FindFolderWithBorrowedSlots returns a folder id holding at least one
// borrowed slot, for reclamation. Iteration is over a sorted key list for
// determinism.
func (p *Pool) FindFolderWithBorrowedSlots() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.borrowedMap))
	for k, v := range p.borrowedMap {
		if len(v) > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", false
	}
	sort.Strings(keys)
	return keys[0], true
}

// GetBorrowedSlots returns the slot ids currently borrowed by folderID.
func (p *Pool) GetBorrowedSlots(folderID string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.borrowedMap[folderID]
	out := make([]int, len(ids))
	copy(out, ids)
	return out
}

// GetTaskSlot returns the slot id and type currently held by holderID, if
// any.
func (p *Pool) GetTaskSlot(holderID string) (int, SlotType, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].HolderID == holderID {
			return p.slots[i].ID, p.slots[i].Type, true
		}
	}
	return 0, 0, false
}
