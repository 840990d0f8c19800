package core

import (
	"errors"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/orizon-lang/hardalloc/internal/memory"
	"github.com/orizon-lang/hardalloc/internal/random"
)

// ErrInvalidAlignment is returned for a non-power-of-two or undersized
// alignment request.
var ErrInvalidAlignment = errors.New("invalid alignment")

// rootState is the allocator's root: the slab region bounds, the two region
// table backing buffers and the initialized flag. It lives in its own mapped
// page, which is sealed read-only once initialization completes so stray
// writes cannot redirect the allocator's root pointers.
type rootState struct {
	slabRegionStart uintptr
	slabRegionEnd   uintptr
	regionBuffers   [2]uintptr
	initialized     atomic.Bool
}

// roState publishes the sealed root. A nil load means initialization has not
// completed; after the store, every field behind the pointer is immutable
// and the backing page is read-only.
var roState atomic.Pointer[rootState]

func root() *rootState {
	return roState.Load()
}

// platform is the injected page-level platform layer. Replaceable via
// SetPlatform before first use; defaults to the operating system.
var platform memory.Platform

var initLock sync.Mutex

// SetPlatform injects a platform layer. It must be called before the first
// allocator operation; calls after initialization are fatal since the sealed
// state already embeds addresses from the previous platform.
func SetPlatform(p memory.Platform) {
	initLock.Lock()
	defer initLock.Unlock()
	if isInit() {
		fatal("platform replaced after initialization")
	}
	platform = p
}

func isInit() bool {
	r := root()
	return r != nil && r.initialized.Load()
}

func enforceInit() {
	if !isInit() {
		fatal("invalid uninitialized allocator usage")
	}
}

func ensureInit() {
	if !isInit() {
		initSlowPath()
	}
}

// initSlowPath builds the entire address-space skeleton: the two region
// table buffers, the slab region with one randomly placed class region per
// size class, and per-class metadata reservations. Any failure here is
// fatal; an allocator that cannot establish its regions cannot run. The
// root page is sealed read-only as the final step.
func initSlowPath() {
	initLock.Lock()
	defer initLock.Unlock()

	if isInit() {
		return
	}

	if platform == nil {
		platform = memory.Default()
	}

	if os.Getpagesize() != int(memory.PageSize) {
		fatal("page size mismatch")
	}

	roPage, err := platform.Reserve(memory.PageSize)
	if err != nil || platform.ProtectRW(roPage, memory.PageSize) != nil {
		fatal("failed to allocate allocator root state")
	}
	r := (*rootState)(unsafe.Pointer(roPage))

	regionsRNG, err := random.NewState(platform.CSPRNG)
	if err != nil {
		fatal("failed to seed allocator prng")
	}

	var buffers [2]uintptr
	for i := range buffers {
		buffers[i], err = platform.Reserve(maxRegionTableSize * regionInfoSize)
		if err != nil {
			fatal("failed to reserve memory for regions table")
		}
	}
	r.regionBuffers = buffers
	if regionsState.init(platform, buffers, regionsRNG) != nil {
		fatal("failed to unprotect memory for regions table")
	}

	start, err := platform.Reserve(slabRegionSize)
	if err != nil {
		fatal("failed to allocate slab region")
	}
	r.slabRegionStart = start
	r.slabRegionEnd = start + slabRegionSize

	for class := uintptr(0); class < uintptr(nSizeClasses); class++ {
		c := &classes[class]

		c.rng, err = random.NewState(platform.CSPRNG)
		if err != nil {
			fatal("failed to seed allocator prng")
		}

		// A random page-aligned offset into the first half of the
		// class stripe; the remainder is an unreserved guard gap
		// between neighbouring classes.
		bound := (realClassRegionSize-classRegionSize)/memory.PageSize - 1
		gap := (uintptr(regionsRNG.U64N(uint64(bound))) + 1) * memory.PageSize
		c.classRegionStart = start + realClassRegionSize*class + gap

		size := uintptr(sizeClasses[class])
		if size == 0 {
			size = 16
		}
		c.sizeDivisor = newDivider(size)
		slabSize := getSlabSize(uintptr(sizeClassSlots[class]), size)
		c.slabSizeDivisor = newDivider(slabSize)

		metadataMax := getMetadataMax(slabSize)
		c.slabInfo, err = platform.Reserve(metadataMax * slabMetadataSize)
		if err != nil {
			fatal("failed to allocate slab metadata")
		}
		c.metadataAllocated = memory.PageSize / slabMetadataSize
		if platform.ProtectRW(c.slabInfo, c.metadataAllocated*slabMetadataSize) != nil {
			fatal("failed to allocate initial slab info")
		}

		c.partialSlabs = noSlab
		c.emptySlabs = noSlab
		c.freeSlabsHead = noSlab
		c.freeSlabsTail = noSlab
	}

	r.initialized.Store(true)
	roState.Store(r)

	if platform.ProtectRO(roPage, memory.PageSize) != nil {
		fatal("failed to protect allocator data")
	}
}

// adjustSize pads slab-range requests so the canary trailer fits beyond the
// usable bytes. Requests that no longer fit a slab class after padding take
// the region path.
func adjustSize(size uintptr) uintptr {
	if size > 0 && size <= maxSlabSizeClass {
		return size + canarySize
	}
	return size
}

// allocate dispatches an adjusted request to the slab engine or the region
// path. Returns 0 on resource exhaustion.
func allocate(size uintptr) uintptr {
	if size <= maxSlabSizeClass {
		return allocateSmall(size)
	}

	regionsState.lock.Lock()
	guardSize := regionsState.guardSizeFor(size)
	regionsState.lock.Unlock()

	p, err := memory.AllocPages(platform, size, guardSize, true)
	if err != nil {
		return 0
	}

	regionsState.lock.Lock()
	err = regionsState.insert(p, size, guardSize)
	regionsState.lock.Unlock()
	if err != nil {
		memory.FreePages(platform, p, size, guardSize)
		return 0
	}

	return p
}

func deallocateLarge(p uintptr, expectedSize *uintptr) {
	enforceInit()

	var size, guardSize uintptr
	func() {
		regionsState.lock.Lock()
		defer regionsState.lock.Unlock()

		index, ok := regionsState.find(p)
		if !ok {
			fatal("invalid free")
		}
		e := regionsState.at(index)
		size = e.size
		if expectedSize != nil && size != *expectedSize {
			fatal("sized deallocation mismatch")
		}
		guardSize = e.guardSize
		regionsState.delete(index)
	}()

	memory.FreePages(platform, p, size, guardSize)
}

func inSlabRegion(r *rootState, p uintptr) bool {
	return r != nil && p >= r.slabRegionStart && p < r.slabRegionEnd
}

// Malloc returns an address with at least size usable bytes, or 0 on
// exhaustion. A zero-size request returns a distinct live class-0 slot.
func Malloc(size uintptr) uintptr {
	ensureInit()
	size = adjustSize(size)
	return allocate(size)
}

// Calloc is the overflow-checked multiply variant. With zero-on-free
// enabled the explicit clearing is elided: memory coming out of the slab
// engine is already zero.
func Calloc(nmemb, size uintptr) uintptr {
	hi, total := bits.Mul64(uint64(nmemb), uint64(size))
	if hi != 0 {
		return 0
	}
	ensureInit()
	totalSize := adjustSize(uintptr(total))
	if ZeroOnFree {
		return allocate(totalSize)
	}
	p := allocate(totalSize)
	if p == 0 {
		return 0
	}
	if totalSize != 0 && totalSize <= maxSlabSizeClass {
		memzero(p, totalSize-canarySize)
	}
	return p
}

func memcopy(dst, src, n uintptr) {
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), n),
		unsafe.Slice((*byte)(unsafe.Pointer(src)), n))
}

// Realloc resizes an allocation, preserving contents up to the smaller of
// the old and new usable sizes. Region bookkeeping re-finds the entry after
// every lock reacquisition because the table may have moved in between.
func Realloc(old, size uintptr) uintptr {
	if old == 0 {
		ensureInit()
		size = adjustSize(size)
		return allocate(size)
	}

	size = adjustSize(size)

	var oldSize uintptr
	if inSlabRegion(root(), old) {
		oldSize = slabUsableSize(old)
		if size <= maxSlabSizeClass && getSizeInfo(size).size == oldSize {
			return old
		}
	} else {
		enforceInit()

		var oldGuardSize uintptr
		samePages := func() bool {
			regionsState.lock.Lock()
			defer regionsState.lock.Unlock()

			index, ok := regionsState.find(old)
			if !ok {
				fatal("invalid realloc")
			}
			e := regionsState.at(index)
			oldSize = e.size
			oldGuardSize = e.guardSize
			if memory.PageCeiling(oldSize) == memory.PageCeiling(size) {
				e.size = size
				return true
			}
			return false
		}()
		if samePages {
			return old
		}

		// In-place shrink: move the trailing guard inward and unmap
		// everything beyond it.
		if size < oldSize && size > maxSlabSizeClass {
			rounded := memory.PageCeiling(size)
			oldRounded := memory.PageCeiling(oldSize)

			newEnd := old + rounded
			if platform.MapFixed(newEnd, oldGuardSize) != nil {
				return 0
			}
			newGuardEnd := newEnd + oldGuardSize
			_ = platform.Unmap(newGuardEnd, oldRounded-rounded)

			regionsState.lock.Lock()
			index, ok := regionsState.find(old)
			if !ok {
				defer regionsState.lock.Unlock()
				fatal("invalid realloc")
			}
			regionsState.at(index).size = size
			regionsState.lock.Unlock()

			return old
		}

		copySize := min(size, oldSize)
		if copySize >= mremapThreshold {
			newP := allocate(size)
			if newP == 0 {
				return 0
			}

			regionsState.lock.Lock()
			index, ok := regionsState.find(old)
			if !ok {
				defer regionsState.lock.Unlock()
				fatal("invalid realloc")
			}
			regionsState.delete(index)
			regionsState.lock.Unlock()

			if platform.RemapFixed(old, oldSize, newP, size) != nil {
				memcopy(newP, old, copySize)
				memory.FreePages(platform, old, oldSize, oldGuardSize)
			} else {
				_ = platform.Unmap(old-oldGuardSize, oldGuardSize)
				_ = platform.Unmap(old+memory.PageCeiling(oldSize), oldGuardSize)
			}
			return newP
		}
	}

	newP := allocate(size)
	if newP == 0 {
		return 0
	}
	copySize := min(size, oldSize)
	if copySize > 0 && size <= maxSlabSizeClass {
		copySize -= canarySize
	}
	memcopy(newP, old, copySize)
	if inSlabRegion(root(), old) {
		deallocateSmall(old, nil)
	} else {
		deallocateLarge(old, nil)
	}
	return newP
}

// AllocAligned implements every aligned entry point. Alignments within a
// page ride the slab path by picking a class size divisible by the
// alignment; larger alignments use the aligned page allocator and the
// region table.
func AllocAligned(alignment, size, minAlignment uintptr) (uintptr, error) {
	if alignment&(alignment-1) != 0 || alignment < minAlignment {
		return 0, ErrInvalidAlignment
	}

	ensureInit()
	size = adjustSize(size)

	if alignment <= memory.PageSize {
		if size <= maxSlabSizeClass && alignment > minAlign {
			size = getSizeInfoAlign(size, alignment).size
		}

		p := allocate(size)
		if p == 0 {
			return 0, memory.ErrOutOfMemory
		}
		return p, nil
	}

	regionsState.lock.Lock()
	guardSize := regionsState.guardSizeFor(size)
	regionsState.lock.Unlock()

	p, err := memory.AllocPagesAligned(platform, size, alignment, guardSize)
	if err != nil {
		return 0, memory.ErrOutOfMemory
	}

	regionsState.lock.Lock()
	err = regionsState.insert(p, size, guardSize)
	regionsState.lock.Unlock()
	if err != nil {
		memory.FreePages(platform, p, size, guardSize)
		return 0, memory.ErrOutOfMemory
	}

	return p, nil
}

// Free releases an allocation, dispatching by address range. Free of 0 is a
// no-op; any other pointer the allocator does not recognize is fatal.
func Free(p uintptr) {
	if p == 0 {
		return
	}

	if inSlabRegion(root(), p) {
		deallocateSmall(p, nil)
		return
	}

	deallocateLarge(p, nil)
}

// FreeSized is Free with sized-deallocation verification: a mismatch
// between the recorded and expected size class is fatal.
func FreeSized(p, expectedSize uintptr) {
	if p == 0 {
		return
	}

	if inSlabRegion(root(), p) {
		expectedSize = getSizeInfo(adjustSize(expectedSize)).size
		deallocateSmall(p, &expectedSize)
		return
	}

	deallocateLarge(p, &expectedSize)
}

// UsableSize reports the usable bytes behind a live pointer. An unknown
// non-zero pointer is fatal once the allocator is initialized.
func UsableSize(p uintptr) uintptr {
	if p == 0 {
		return 0
	}

	if inSlabRegion(root(), p) {
		size := slabUsableSize(p)
		if size == 0 {
			return 0
		}
		return size - canarySize
	}

	enforceInit()

	regionsState.lock.Lock()
	defer regionsState.lock.Unlock()

	index, ok := regionsState.find(p)
	if !ok {
		fatal("invalid malloc_usable_size")
	}
	return regionsState.at(index).size
}

// ObjectSize is UsableSize except unknown pointers yield the maximum size
// instead of aborting, and pre-initialization queries yield 0.
func ObjectSize(p uintptr) uintptr {
	if p == 0 {
		return 0
	}

	if inSlabRegion(root(), p) {
		size := slabUsableSize(p)
		if size == 0 {
			return 0
		}
		return size - canarySize
	}

	if !isInit() {
		return 0
	}

	regionsState.lock.Lock()
	defer regionsState.lock.Unlock()

	index, ok := regionsState.find(p)
	if !ok {
		return ^uintptr(0)
	}
	return regionsState.at(index).size
}

// ObjectSizeFast skips the region lookup entirely: once the allocator is
// initialized any non-slab pointer yields the maximum size; before that it
// yields 0.
func ObjectSizeFast(p uintptr) uintptr {
	if p == 0 {
		return 0
	}

	if inSlabRegion(root(), p) {
		size := slabUsableSize(p)
		if size == 0 {
			return 0
		}
		return size - canarySize
	}

	if !isInit() {
		return 0
	}

	return ^uintptr(0)
}

// Trim drains every class's empty list, purging slab pages back to the OS.
// Reports whether anything was released.
func Trim() bool {
	if !isInit() {
		return false
	}

	trimmed := false

	// The zero-byte class has nothing to release.
	for class := uintptr(1); class < uintptr(nSizeClasses); class++ {
		c := &classes[class]
		slabSize := getSlabSize(uintptr(sizeClassSlots[class]), uintptr(sizeClasses[class]))
		if c.trim(slabSize) {
			trimmed = true
		}
	}

	return trimmed
}
