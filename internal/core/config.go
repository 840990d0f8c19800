// Package core implements the hardened allocator engine: the size-classed
// slab allocator for small requests, the region table for large requests,
// the sealed read-only root state, and the locking discipline shared by both
// paths.
package core

import (
	"github.com/orizon-lang/hardalloc/internal/memory"
)

// Compile-time hardening configuration. These mirror build-time switches:
// flipping one changes the behaviour of every allocation in the process.
const (
	// WriteAfterFreeCheck verifies at allocation time that the slot
	// payload is still zero. Requires ZeroOnFree.
	WriteAfterFreeCheck = true

	// ZeroOnFree clears the slot payload when it is deallocated.
	ZeroOnFree = true

	// SlabCanary appends an 8-byte random canary to every slab slot,
	// verified on deallocation.
	SlabCanary = true

	// SlotRandomize randomizes the starting point of the free-slot
	// search within a slab.
	SlotRandomize = true

	// GuardSlabs leaves every other slab position unmapped so that a
	// linear overflow off the end of a slab faults.
	GuardSlabs = true
)

// canarySize is 8 when canaries are enabled, 0 otherwise.
var canarySize = func() uintptr {
	if SlabCanary {
		return 8
	}
	return 0
}()

const (
	minAlign         uintptr = 16
	maxSlabSizeClass uintptr = 16384

	classRegionSize     uintptr = 128 << 30
	realClassRegionSize         = classRegionSize * 2
	slabRegionSize              = realClassRegionSize * uintptr(nSizeClasses)

	maxEmptySlabsTotal uintptr = 64 * 1024

	mremapThreshold uintptr = 4 << 20
)

func init() {
	// 64-bit only: the slab region alone spans several TiB of address
	// space and the bitmap arithmetic assumes 64-bit words.
	if ^uintptr(0)>>32 == 0 {
		panic("core: 64-bit host required")
	}
	if WriteAfterFreeCheck && !ZeroOnFree {
		panic("core: WriteAfterFreeCheck requires ZeroOnFree")
	}
	if memory.PageSize != 4096 {
		panic("core: bitmap handling assumes 4096-byte pages")
	}
}
