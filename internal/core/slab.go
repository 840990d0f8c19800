package core

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/orizon-lang/hardalloc/internal/random"
)

// slabMetadata is one entry of a class's densely packed metadata array. The
// list links are indices into that array rather than pointers, with noSlab
// as the sentinel; the array itself lives in a lazily unprotected mapping so
// metadata for slabs that were never used stays inaccessible.
type slabMetadata struct {
	bitmap      uint64
	next        int32
	prev        int32
	canaryValue uint64
}

const slabMetadataSize = unsafe.Sizeof(slabMetadata{})

// noSlab terminates every slab list.
const noSlab = int32(-1)

// sizeClass holds all state for one slab size class. Every field is guarded
// by lock; each class also owns its PRNG so classes never contend on shared
// random state.
type sizeClass struct {
	lock sync.Mutex

	classRegionStart uintptr
	slabInfo         uintptr

	// Slabs with at least one allocated and at least one free slot.
	// LIFO doubly-linked list.
	partialSlabs int32

	// Slabs without allocated slots whose memory remains mapped for
	// near-term reuse. LIFO singly-linked list.
	emptySlabs      int32
	emptySlabsTotal uintptr

	// Slabs without allocated slots whose pages were purged and made
	// inaccessible. FIFO singly-linked list, so address reuse is delayed.
	freeSlabsHead int32
	freeSlabsTail int32

	sizeDivisor     divider
	slabSizeDivisor divider
	rng             *random.State

	metadataAllocated uintptr
	metadataCount     uintptr
}

var classes [nSizeClasses]sizeClass

// canaryMask clears the canary byte adjacent to the user region, so a
// C-string overflowing out of the slot runs into a terminating zero instead
// of leaking the canary through strlen-style reads.
var canaryMask = func() uint64 {
	probe := uint16(1)
	if *(*byte)(unsafe.Pointer(&probe)) == 1 {
		return 0xffffffffffffff00 // little endian: low byte zero
	}
	return 0x00ffffffffffffff // big endian: high byte zero
}()

func (c *sizeClass) meta(index int32) *slabMetadata {
	return (*slabMetadata)(unsafe.Pointer(c.slabInfo + uintptr(index)*slabMetadataSize))
}

func (c *sizeClass) slabAt(slabSize uintptr, index int32) uintptr {
	return c.classRegionStart + uintptr(index)*slabSize
}

func getMetadataMax(slabSize uintptr) uintptr {
	return classRegionSize / slabSize
}

// allocMetadata hands out the next metadata entry, unprotecting another
// stretch of the metadata array (doubling, capped at the class maximum) when
// the writable prefix is exhausted. Returns noSlab on exhaustion or
// protection failure. With guard slabs the index advances by two, leaving
// every other slab position an unmapped gap.
func (c *sizeClass) allocMetadata(slabSize uintptr, nonZeroSize bool) int32 {
	if c.metadataCount >= c.metadataAllocated {
		metadataMax := getMetadataMax(slabSize)
		if c.metadataCount >= metadataMax {
			return noSlab
		}
		allocate := c.metadataAllocated * 2
		if allocate > metadataMax {
			allocate = metadataMax
		}
		if platform.ProtectRW(c.slabInfo, allocate*slabMetadataSize) != nil {
			return noSlab
		}
		c.metadataAllocated = allocate
	}

	index := int32(c.metadataCount)
	if nonZeroSize && platform.ProtectRW(c.slabAt(slabSize, index), slabSize) != nil {
		return noSlab
	}
	c.metadataCount++
	if GuardSlabs {
		c.metadataCount++
	}
	return index
}

func checkIndex(index uintptr) {
	if index >= 64 {
		fatal("invalid index")
	}
}

func setSlot(m *slabMetadata, index uintptr) {
	checkIndex(index)
	m.bitmap |= 1 << index
}

func clearSlot(m *slabMetadata, index uintptr) {
	checkIndex(index)
	m.bitmap &^= 1 << index
}

func getSlot(m *slabMetadata, index uintptr) bool {
	checkIndex(index)
	return m.bitmap>>index&1 != 0
}

// getMask sets the bits at and above slots so the free-slot search can never
// land outside the slab.
func getMask(slots uintptr) uint64 {
	if slots < 64 {
		return ^uint64(0) << slots
	}
	return 0
}

// ffz returns the one-based position of the lowest zero bit, or 0 when all
// bits are set.
func ffz(x uint64) uintptr {
	if x == ^uint64(0) {
		return 0
	}
	return uintptr(bits.TrailingZeros64(^x)) + 1
}

// getFreeSlot picks a free slot. With slot randomization on, masking in a
// random low-bit prefix moves the starting point of the linear search, which
// randomizes placement without the cost of a true uniform choice.
func getFreeSlot(rng *random.State, slots uintptr, m *slabMetadata) uintptr {
	if slots > 64 {
		slots = 64
	}

	masked := m.bitmap | getMask(slots)
	if masked == ^uint64(0) {
		fatal("no zero bits")
	}

	if SlotRandomize {
		randomSplit := ^(^uint64(0) << rng.U16N(uint16(slots)))
		if slot := ffz(masked | randomSplit); slot != 0 {
			return slot - 1
		}
	}

	return ffz(masked) - 1
}

func hasFreeSlots(slots uintptr, m *slabMetadata) bool {
	if slots > 64 {
		slots = 64
	}
	return m.bitmap|getMask(slots) != ^uint64(0)
}

func isFreeSlab(m *slabMetadata) bool {
	return m.bitmap == 0
}

// metadataIndexFor recovers the slab index from a pointer into the class
// region. An index past the writable metadata prefix means the pointer was
// never handed out by this class.
func (c *sizeClass) metadataIndexFor(p uintptr) int32 {
	offset := p - c.classRegionStart
	index := c.slabSizeDivisor.div(offset)
	if index >= c.metadataAllocated {
		fatal("invalid free within a slab yet to be used")
	}
	return int32(index)
}

func slotPointer(size, slab, slot uintptr) uintptr {
	return slab + slot*size
}

func writeAfterFreeCheck(p, size uintptr) {
	if !WriteAfterFreeCheck {
		return
	}
	for i := uintptr(0); i < size; i += 8 {
		if *(*uint64)(unsafe.Pointer(p + i)) != 0 {
			fatal("detected write after free")
		}
	}
}

func setCanary(m *slabMetadata, p, size uintptr) {
	if canarySize == 0 {
		return
	}
	*(*uint64)(unsafe.Pointer(p + size - canarySize)) = m.canaryValue
}

func memzero(p, size uintptr) {
	clear(unsafe.Slice((*byte)(unsafe.Pointer(p)), size))
}

// allocateSmall returns a freshly marked slot in the request's size class,
// or 0 on exhaustion. Reuse preference is partial, then empty (still
// mapped), then free (needs remapping), then fresh metadata.
func allocateSmall(requestedSize uintptr) uintptr {
	info := getSizeInfo(requestedSize)
	size := info.size
	if size == 0 {
		size = 16
	}
	c := &classes[info.class]
	slots := uintptr(sizeClassSlots[info.class])
	slabSize := getSlabSize(slots, size)

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.partialSlabs == noSlab {
		if c.emptySlabs != noSlab {
			index := c.emptySlabs
			m := c.meta(index)
			c.emptySlabs = m.next
			c.emptySlabsTotal -= slabSize

			m.next = noSlab
			m.prev = noSlab
			c.partialSlabs = index

			slab := c.slabAt(slabSize, index)
			slot := getFreeSlot(c.rng, slots, m)
			setSlot(m, slot)
			p := slotPointer(size, slab, slot)
			if requestedSize != 0 {
				writeAfterFreeCheck(p, size-canarySize)
				setCanary(m, p, size)
			}
			return p
		}

		if c.freeSlabsHead != noSlab {
			index := c.freeSlabsHead
			m := c.meta(index)
			m.canaryValue = c.rng.U64()

			slab := c.slabAt(slabSize, index)
			if requestedSize != 0 && platform.ProtectRW(slab, slabSize) != nil {
				return 0
			}

			c.freeSlabsHead = m.next
			if c.freeSlabsHead == noSlab {
				c.freeSlabsTail = noSlab
			}

			m.next = noSlab
			m.prev = noSlab
			c.partialSlabs = index

			slot := getFreeSlot(c.rng, slots, m)
			setSlot(m, slot)
			p := slotPointer(size, slab, slot)
			if requestedSize != 0 {
				setCanary(m, p, size)
			}
			return p
		}

		index := c.allocMetadata(slabSize, requestedSize != 0)
		if index == noSlab {
			return 0
		}
		m := c.meta(index)
		m.canaryValue = c.rng.U64() & canaryMask
		m.next = noSlab
		m.prev = noSlab
		c.partialSlabs = index

		slab := c.slabAt(slabSize, index)
		slot := getFreeSlot(c.rng, slots, m)
		setSlot(m, slot)
		p := slotPointer(size, slab, slot)
		if requestedSize != 0 {
			setCanary(m, p, size)
		}
		return p
	}

	index := c.partialSlabs
	m := c.meta(index)
	slot := getFreeSlot(c.rng, slots, m)
	setSlot(m, slot)

	if !hasFreeSlots(slots, m) {
		c.partialSlabs = m.next
		if c.partialSlabs != noSlab {
			c.meta(c.partialSlabs).prev = noSlab
		}
	}

	slab := c.slabAt(slabSize, index)
	p := slotPointer(size, slab, slot)
	if requestedSize != 0 {
		writeAfterFreeCheck(p, size-canarySize)
		setCanary(m, p, size)
	}
	return p
}

func slabSizeClass(p uintptr) uintptr {
	return (p - root().slabRegionStart) / realClassRegionSize
}

func slabUsableSize(p uintptr) uintptr {
	return uintptr(sizeClasses[slabSizeClass(p)])
}

func (c *sizeClass) enqueueFreeSlab(index int32) {
	m := c.meta(index)
	m.next = noSlab

	if c.freeSlabsTail != noSlab {
		c.meta(c.freeSlabsTail).next = index
	} else {
		c.freeSlabsHead = index
	}
	c.freeSlabsTail = index
}

// deallocateSmall validates and releases one slot. Every validation failure
// is fatal: a mismatch here means the caller's pointer or the slab metadata
// has been corrupted.
func deallocateSmall(p uintptr, expectedSize *uintptr) {
	class := slabSizeClass(p)
	c := &classes[class]
	size := uintptr(sizeClasses[class])
	if expectedSize != nil && size != *expectedSize {
		fatal("sized deallocation mismatch")
	}
	isZeroSize := size == 0
	if isZeroSize {
		size = 16
	}
	slots := uintptr(sizeClassSlots[class])
	slabSize := getSlabSize(slots, size)

	c.lock.Lock()
	defer c.lock.Unlock()

	index := c.metadataIndexFor(p)
	m := c.meta(index)
	slab := c.slabAt(slabSize, index)
	slot := c.sizeDivisor.div(p - slab)

	if slotPointer(size, slab, slot) != p {
		fatal("invalid unaligned free")
	}
	if !getSlot(m, slot) {
		fatal("double free")
	}

	if !isZeroSize {
		if ZeroOnFree {
			memzero(p, size-canarySize)
		}
		if canarySize != 0 {
			stored := *(*uint64)(unsafe.Pointer(p + size - canarySize))
			if stored != m.canaryValue {
				fatal("canary corrupted")
			}
		}
	}

	if !hasFreeSlots(slots, m) {
		// The slab was full and detached; put it back at the head of
		// the partial list.
		m.next = c.partialSlabs
		m.prev = noSlab
		if c.partialSlabs != noSlab {
			c.meta(c.partialSlabs).prev = index
		}
		c.partialSlabs = index
	}

	clearSlot(m, slot)

	if isFreeSlab(m) {
		if m.prev != noSlab {
			c.meta(m.prev).next = m.next
		} else {
			c.partialSlabs = m.next
		}
		if m.next != noSlab {
			c.meta(m.next).prev = m.prev
		}
		m.prev = noSlab

		if c.emptySlabsTotal+slabSize > maxEmptySlabsTotal {
			if platform.MapFixed(slab, slabSize) == nil {
				c.enqueueFreeSlab(index)
				return
			}
			// Purging failed; keep the slab mapped on the empty list.
		}

		m.next = c.emptySlabs
		c.emptySlabs = index
		c.emptySlabsTotal += slabSize
	}
}

// trim drains the class's empty list, purging each slab's pages and moving
// it to the free list. Reports whether anything was trimmed.
func (c *sizeClass) trim(slabSize uintptr) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	trimmed := false
	iterator := c.emptySlabs
	for iterator != noSlab {
		slab := c.slabAt(slabSize, iterator)
		if platform.MapFixed(slab, slabSize) != nil {
			break
		}

		next := c.meta(iterator).next
		c.emptySlabsTotal -= slabSize
		c.enqueueFreeSlab(iterator)
		iterator = next

		trimmed = true
	}
	c.emptySlabs = iterator
	return trimmed
}
