// Package hardalloc is a hardened general-purpose memory allocator.
//
// Security is the primary design objective: the allocator is built to
// reduce the exploitability of memory-corruption bugs in callers and to
// detect common misuse — double frees, sized-deallocation mismatches,
// write-after-free, metadata corruption — deterministically rather than
// silently. Detected violations abort the process; only resource
// exhaustion is reported as a recoverable failure (a nil return).
//
// Small requests (up to 16 KiB) are served by a size-classed slab allocator
// with randomized slot placement and per-slab canaries; larger requests get
// dedicated page mappings bracketed by inaccessible guard ranges and are
// tracked in a hash table keyed by address. All entry points are
// thread-safe and initialize the allocator on first use.
package hardalloc

import (
	"io"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/hardalloc/internal/core"
)

func init() {
	// Trigger initialization as early as possible so the root state is
	// sealed and fork hooks can be registered before the process goes
	// multi-threaded.
	Free(Malloc(16))
}

// Malloc returns a pointer to at least size writable bytes, suitably
// aligned for any object of its size class, or nil on exhaustion.
// Malloc(0) returns a distinct valid pointer with zero usable size.
func Malloc(size uintptr) unsafe.Pointer {
	return ptr(core.Malloc(size))
}

// Calloc allocates zeroed storage for an nmemb-by-size array. The product
// is overflow-checked; overflow reports exhaustion.
func Calloc(nmemb, size uintptr) unsafe.Pointer {
	return ptr(core.Calloc(nmemb, size))
}

// Realloc resizes an allocation, preserving contents up to the smaller of
// the old and new usable sizes. Realloc(nil, size) is Malloc(size).
func Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	return ptr(core.Realloc(uintptr(p), size))
}

// Free releases an allocation. Free(nil) is a no-op; freeing any pointer
// the allocator did not hand out is fatal.
func Free(p unsafe.Pointer) {
	core.Free(uintptr(p))
}

// Cfree is an alias of Free kept for compatibility.
func Cfree(p unsafe.Pointer) {
	Free(p)
}

// FreeSized releases an allocation whose requested size the caller asserts
// was size. A size-class mismatch is fatal.
func FreeSized(p unsafe.Pointer, size uintptr) {
	core.FreeSized(uintptr(p), size)
}

// PosixMemalign places a pointer to size bytes aligned to alignment in
// *memptr. Alignment must be a power of two and a multiple of the pointer
// size. The result is returned as a POSIX error number, not through errno:
// 0 on success, EINVAL or ENOMEM on failure.
func PosixMemalign(memptr *unsafe.Pointer, alignment, size uintptr) int {
	p, err := core.AllocAligned(alignment, size, unsafe.Sizeof(uintptr(0)))
	switch err {
	case nil:
		*memptr = ptr(p)
		return 0
	case core.ErrInvalidAlignment:
		return int(unix.EINVAL)
	default:
		return int(unix.ENOMEM)
	}
}

// AlignedAlloc returns size bytes aligned to alignment, which must be a
// power of two.
func AlignedAlloc(alignment, size uintptr) unsafe.Pointer {
	p, err := core.AllocAligned(alignment, size, 1)
	if err != nil {
		return nil
	}
	return ptr(p)
}

// Memalign is an alias of AlignedAlloc kept for compatibility.
func Memalign(alignment, size uintptr) unsafe.Pointer {
	return AlignedAlloc(alignment, size)
}

// Valloc returns size bytes aligned to the page size.
func Valloc(size uintptr) unsafe.Pointer {
	p, err := core.AllocAligned(pageSize, size, 1)
	if err != nil {
		return nil
	}
	return ptr(p)
}

// Pvalloc is Valloc with size rounded up to a whole number of pages. A size
// that rounds to zero (or overflows) reports exhaustion.
func Pvalloc(size uintptr) unsafe.Pointer {
	rounded := (size + pageSize - 1) &^ (pageSize - 1)
	if rounded == 0 {
		return nil
	}
	return Valloc(rounded)
}

// MallocUsableSize reports the usable bytes behind a live pointer: the slot
// size minus the canary for slab pointers, the recorded size for regions.
// An unknown non-nil pointer is fatal.
func MallocUsableSize(p unsafe.Pointer) uintptr {
	return core.UsableSize(uintptr(p))
}

// MallocObjectSize is MallocUsableSize except unknown pointers yield the
// maximum uintptr once the allocator is initialized.
func MallocObjectSize(p unsafe.Pointer) uintptr {
	return core.ObjectSize(uintptr(p))
}

// MallocObjectSizeFast is MallocObjectSize without the region lookup: every
// non-slab pointer yields the maximum uintptr.
func MallocObjectSizeFast(p unsafe.Pointer) uintptr {
	return core.ObjectSizeFast(uintptr(p))
}

// MallocTrim releases the cached empty slabs of every size class back to
// the OS and reports whether anything was released. The pad argument is
// accepted for compatibility and ignored.
func MallocTrim(pad uintptr) bool {
	_ = pad
	return core.Trim()
}

// MallocDisable blocks every other thread's allocator operations until
// MallocEnable is called. Intended for callers that need a quiescent heap,
// such as crash dumpers.
func MallocDisable() {
	core.Disable()
}

// MallocEnable releases the locks taken by MallocDisable.
func MallocEnable() {
	core.Enable()
}

// ForkPrepare acquires every allocator lock. Wire it into the host's
// pre-fork hook, with ForkParent and ForkChild as the matching post-fork
// callbacks; register the hooks only after the allocator is initialized.
func ForkPrepare() {
	core.ForkPrepare()
}

// ForkParent releases the locks taken by ForkPrepare in the parent.
func ForkParent() {
	core.ForkParent()
}

// ForkChild re-creates the allocator's mutexes and reseeds its random
// state in the fork child.
func ForkChild() {
	core.ForkChild()
}

// MallinfoData mirrors the C mallinfo structure. Only the shape is
// provided; the allocator does not report statistics.
type MallinfoData struct {
	Arena    uintptr
	Ordblks  uintptr
	Smblks   uintptr
	Hblks    uintptr
	Hblkhd   uintptr
	Usmblks  uintptr
	Fsmblks  uintptr
	Uordblks uintptr
	Fordblks uintptr
	Keepcost uintptr
}

// Mallopt accepts and ignores every tunable.
func Mallopt(param, value int) int {
	_, _ = param, value
	return 0
}

// MallocStats is a compatibility no-op.
func MallocStats() {}

// Mallinfo returns a zeroed MallinfoData for compatibility.
func Mallinfo() MallinfoData {
	return MallinfoData{}
}

// MallocInfo is not supported.
func MallocInfo(options int, w io.Writer) error {
	_, _ = options, w
	return unix.ENOSYS
}

// MallocGetState is not supported and returns nil.
func MallocGetState() unsafe.Pointer {
	return nil
}

// MallocSetState is not supported and returns -2, matching the glibc
// convention for an unsupported state blob.
func MallocSetState(p unsafe.Pointer) int {
	_ = p
	return -2
}

const pageSize uintptr = 4096

func ptr(p uintptr) unsafe.Pointer {
	if p == 0 {
		return nil
	}
	return unsafe.Pointer(p)
}
