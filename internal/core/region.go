package core

import (
	"sync"
	"unsafe"

	"github.com/orizon-lang/hardalloc/internal/memory"
	"github.com/orizon-lang/hardalloc/internal/random"
)

// regionInfo records one large allocation: its base address, requested size
// and the size of each of its two guards.
type regionInfo struct {
	p         uintptr
	size      uintptr
	guardSize uintptr
}

const regionInfoSize = unsafe.Sizeof(regionInfo{})

const initialRegionTableSize uintptr = 256
const maxRegionTableSize = classRegionSize / memory.PageSize

// regionTable is an open-addressed hash table keyed by allocation base
// address. Probing walks backwards and deletion uses backward-shift
// compaction, so lookups never need tombstones. Growth rehashes into the
// other of two pre-reserved backing buffers and unmaps the one it left, so a
// stale entry pointer held across a grow faults instead of reading garbage.
// Entry pointers are only valid while lock is held.
type regionTable struct {
	lock sync.Mutex
	plat memory.Platform
	rng  *random.State

	buffers [2]uintptr
	regions uintptr
	total   uintptr
	free    uintptr
}

// regionsState is the process-wide table for the large-allocation path.
var regionsState regionTable

// init wires the table to its two pre-reserved backing buffers and
// unprotects the initial extent of the first.
func (rt *regionTable) init(plat memory.Platform, buffers [2]uintptr, rng *random.State) error {
	rt.plat = plat
	rt.buffers = buffers
	rt.rng = rng
	rt.regions = buffers[0]
	rt.total = initialRegionTableSize
	rt.free = initialRegionTableSize
	return plat.ProtectRW(rt.regions, rt.total*regionInfoSize)
}

func (rt *regionTable) at(index uintptr) *regionInfo {
	return (*regionInfo)(unsafe.Pointer(rt.regions + index*regionInfoSize))
}

func entryAt(base, index uintptr) *regionInfo {
	return (*regionInfo)(unsafe.Pointer(base + index*regionInfoSize))
}

// hashPage mixes the page-shifted address through three multiply-by-127
// rounds, folding in higher address bits each round.
func hashPage(p uintptr) uintptr {
	u := p >> memory.PageShift
	sum := u
	sum = (sum << 7) - sum + (u >> 16)
	sum = (sum << 7) - sum + (u >> 32)
	sum = (sum << 7) - sum + (u >> 48)
	return sum
}

// grow doubles the table into the alternate backing buffer, rehashing every
// live entry, then unmaps the old buffer so its pages return to the
// reservation hole.
func (rt *regionTable) grow() error {
	if rt.total > ^uintptr(0)/regionInfoSize/2 {
		return memory.ErrOutOfMemory
	}

	newTotal := rt.total * 2
	if newTotal > maxRegionTableSize {
		return memory.ErrOutOfMemory
	}
	newSize := newTotal * regionInfoSize
	mask := newTotal - 1

	dest := rt.buffers[0]
	if rt.regions == rt.buffers[0] {
		dest = rt.buffers[1]
	}

	if err := rt.plat.ProtectRW(dest, newSize); err != nil {
		return err
	}

	for i := uintptr(0); i < rt.total; i++ {
		e := rt.at(i)
		if e.p != 0 {
			index := hashPage(e.p) & mask
			for entryAt(dest, index).p != 0 {
				index = (index - 1) & mask
			}
			*entryAt(dest, index) = *e
		}
	}

	_ = rt.plat.MapFixed(rt.regions, rt.total*regionInfoSize)
	rt.free += rt.total
	rt.total = newTotal
	rt.regions = dest
	return nil
}

// insert records a large allocation, growing first when fewer than a quarter
// of the slots are free.
func (rt *regionTable) insert(p, size, guardSize uintptr) error {
	if rt.free*4 < rt.total {
		if err := rt.grow(); err != nil {
			return err
		}
	}

	mask := rt.total - 1
	index := hashPage(p) & mask
	for rt.at(index).p != 0 {
		index = (index - 1) & mask
	}
	e := rt.at(index)
	e.p = p
	e.size = size
	e.guardSize = guardSize
	rt.free--
	return nil
}

// find returns the index of p's entry, or false when p was never inserted.
func (rt *regionTable) find(p uintptr) (uintptr, bool) {
	mask := rt.total - 1
	index := hashPage(p) & mask
	r := rt.at(index).p
	for r != p && r != 0 {
		index = (index - 1) & mask
		r = rt.at(index).p
	}
	return index, r == p && r != 0
}

// delete removes the entry at index with backward-shift compaction: later
// entries in the probe chain are moved into the vacated slot unless the move
// would carry them past their natural probe position.
func (rt *regionTable) delete(index uintptr) {
	mask := rt.total - 1

	rt.free++

	i := index
	for {
		rt.at(i).p = 0
		rt.at(i).size = 0
		j := i
		for {
			i = (i - 1) & mask
			if rt.at(i).p == 0 {
				return
			}
			r := hashPage(rt.at(i).p) & mask
			if (i <= r && r < j) || (r < j && j < i) || (j < i && i <= r) {
				continue
			}
			*rt.at(j) = *rt.at(i)
			break
		}
	}
}

// guardSizeFor picks a random guard size proportional to the allocation:
// between one page and an eighth of the allocation's pages.
func (rt *regionTable) guardSizeFor(size uintptr) uintptr {
	return uintptr(rt.rng.U64N(uint64(size/memory.PageSize/8))+1) * memory.PageSize
}
