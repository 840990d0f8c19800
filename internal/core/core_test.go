//go:build linux

package core

import (
	"testing"
	"unsafe"
)

// fatalPanic carries an intercepted fatal diagnostic out of the violating
// call during tests.
type fatalPanic struct {
	msg string
}

// expectFatal runs fn expecting it to trip a fatal violation with the given
// diagnostic.
func expectFatal(t *testing.T, want string, fn func()) {
	t.Helper()
	fatalHook = func(msg string) {
		panic(fatalPanic{msg})
	}
	defer func() {
		fatalHook = nil
		r := recover()
		if r == nil {
			t.Fatalf("expected fatal %q, got none", want)
		}
		fp, ok := r.(fatalPanic)
		if !ok {
			panic(r)
		}
		if fp.msg != want {
			t.Fatalf("got fatal %q, want %q", fp.msg, want)
		}
	}()
	fn()
}

func byteAt(p, off uintptr) *byte {
	return (*byte)(unsafe.Pointer(p + off))
}

func TestSlabRoundTrip(t *testing.T) {
	p := Malloc(1)
	if p == 0 {
		t.Fatal("Malloc(1) failed")
	}
	if got := UsableSize(p); got != 16-canarySize {
		t.Errorf("UsableSize = %d, want %d", got, 16-canarySize)
	}
	if !inSlabRegion(root(), p) {
		t.Error("small allocation fell outside the slab region")
	}

	*byteAt(p, 0) = 0xaa
	Free(p)
}

func TestSlabClassGeometry(t *testing.T) {
	p := Malloc(17)
	if p == 0 {
		t.Fatal("Malloc(17) failed")
	}
	class := slabSizeClass(p)
	if class != 2 || sizeClasses[class] != 32 {
		t.Errorf("Malloc(17) landed in class %d (size %d), want class 2 (size 32)",
			class, sizeClasses[class])
	}

	c := &classes[class]
	if off := (p - c.classRegionStart) % 32; off != 0 {
		t.Errorf("slot offset %d not a multiple of the class size", off)
	}
	Free(p)
}

func TestZeroSizeAllocations(t *testing.T) {
	p := Malloc(0)
	q := Malloc(0)
	if p == 0 || q == 0 {
		t.Fatal("Malloc(0) failed")
	}
	if p == q {
		t.Error("two live zero-size allocations share an address")
	}
	if got := UsableSize(p); got != 0 {
		t.Errorf("UsableSize of zero-size allocation = %d, want 0", got)
	}
	Free(p)
	Free(q)
}

func TestDistinctLiveAllocationsDoNotOverlap(t *testing.T) {
	const n = 200
	ptrs := make([]uintptr, n)
	for i := range ptrs {
		ptrs[i] = Malloc(40)
		if ptrs[i] == 0 {
			t.Fatal("Malloc failed")
		}
		*byteAt(ptrs[i], 0) = byte(i)
	}

	seen := make(map[uintptr]bool)
	for _, p := range ptrs {
		if seen[p] {
			t.Fatalf("address %#x handed out twice while live", p)
		}
		seen[p] = true
	}
	for i, p := range ptrs {
		if *byteAt(p, 0) != byte(i) {
			t.Fatalf("allocation %d clobbered", i)
		}
		Free(p)
	}
}

func TestDoubleFreeAborts(t *testing.T) {
	p1 := Malloc(16)
	p2 := Malloc(16)
	Free(p1)
	Free(p2)
	expectFatal(t, "double free", func() {
		Free(p1)
	})
}

func TestCanaryCorruptionAborts(t *testing.T) {
	if !SlabCanary {
		t.Skip("canaries disabled")
	}
	p := Malloc(17)
	usable := UsableSize(p)

	// First canary byte, directly past the usable region.
	*byteAt(p, usable) = 0x42
	expectFatal(t, "canary corrupted", func() {
		Free(p)
	})
}

func TestUnalignedFreeAborts(t *testing.T) {
	p := Malloc(100)
	defer Free(p)
	expectFatal(t, "invalid unaligned free", func() {
		Free(p + 1)
	})
}

func TestSizedFreeMismatchAborts(t *testing.T) {
	p := Malloc(17)
	expectFatal(t, "sized deallocation mismatch", func() {
		FreeSized(p, 1024)
	})
	Free(p)
}

func TestFreeIntoUnusedSlabAborts(t *testing.T) {
	ensureInit()
	// The stripe base of a class precedes its randomly offset usable
	// region, so no metadata can ever cover it.
	p := root().slabRegionStart + realClassRegionSize*20
	expectFatal(t, "invalid free within a slab yet to be used", func() {
		Free(p)
	})
}

func TestWriteAfterFreeAborts(t *testing.T) {
	if !WriteAfterFreeCheck {
		t.Skip("write-after-free checking disabled")
	}

	p := Malloc(2048)
	Free(p)
	*byteAt(p, 0) = 1

	// The freed slab sits on the empty list, so it is the next one
	// reused for this class; with eight slots the corrupted slot must be
	// handed back out within eight allocations.
	expectFatal(t, "detected write after free", func() {
		for i := 0; i < 8; i++ {
			if Malloc(2048) == 0 {
				t.Fatal("Malloc failed")
			}
		}
	})
}

func TestCallocOverflow(t *testing.T) {
	if p := Calloc(65537, 65537<<32); p != 0 {
		t.Error("overflowing Calloc succeeded")
	}
}

func TestCallocZeroed(t *testing.T) {
	p := Calloc(16, 16)
	if p == 0 {
		t.Fatal("Calloc failed")
	}
	for i := uintptr(0); i < 256; i++ {
		if *byteAt(p, i) != 0 {
			t.Fatalf("Calloc memory nonzero at offset %d", i)
		}
	}
	Free(p)
}

func TestEmptySlabCapPurges(t *testing.T) {
	// One slab of the largest class is exactly the empty-slab byte cap,
	// so the first slab emptied fills the empty list and the second one
	// goes straight onto the purged free list.
	const slots = 4
	ptrs := make([]uintptr, 0, slots+1)
	for i := 0; i < slots+1; i++ {
		p := Malloc(16376)
		if p == 0 {
			t.Fatal("Malloc failed")
		}
		ptrs = append(ptrs, p)
	}
	class := slabSizeClass(ptrs[0])
	if sizeClasses[class] != 16384 {
		t.Fatalf("request landed in class %d", class)
	}
	c := &classes[class]

	for _, p := range ptrs {
		Free(p)
	}

	c.lock.Lock()
	emptyTotal, freeHead := c.emptySlabsTotal, c.freeSlabsHead
	c.lock.Unlock()
	if emptyTotal != maxEmptySlabsTotal {
		t.Errorf("emptySlabsTotal = %d, want the cap %d", emptyTotal, maxEmptySlabsTotal)
	}
	if freeHead == noSlab {
		t.Error("slab past the cap did not reach the free list")
	}

	// Reallocating both slabs' worth drains the empty list and then pulls
	// the purged slab back off the free list.
	for i := range ptrs {
		ptrs[i] = Malloc(16376)
		if ptrs[i] == 0 {
			t.Fatal("Malloc after purge failed")
		}
	}
	c.lock.Lock()
	freeHead = c.freeSlabsHead
	c.lock.Unlock()
	if freeHead != noSlab {
		t.Error("purged slab was not reused")
	}
	for _, p := range ptrs {
		Free(p)
	}
}

func TestEmptySlabAccounting(t *testing.T) {
	// Fill and release enough 16-byte slabs that the empty list hits its
	// byte cap and the overflow is purged to the free list.
	const perSlab = 64 // bitmap-limited slots per slab
	const slabs = 17
	var ptrs []uintptr
	for i := 0; i < perSlab*slabs; i++ {
		p := Malloc(8)
		if p == 0 {
			t.Fatal("Malloc failed")
		}
		ptrs = append(ptrs, p)
	}

	class := slabSizeClass(ptrs[0])
	c := &classes[class]
	slabSize := getSlabSize(uintptr(sizeClassSlots[class]), uintptr(sizeClasses[class]))

	for _, p := range ptrs {
		Free(p)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	total := uintptr(0)
	for it := c.emptySlabs; it != noSlab; it = c.meta(it).next {
		if c.meta(it).bitmap != 0 {
			t.Error("slab on the empty list has live slots")
		}
		total += slabSize
	}
	if total != c.emptySlabsTotal {
		t.Errorf("emptySlabsTotal = %d, list sums to %d", c.emptySlabsTotal, total)
	}
	if c.emptySlabsTotal > maxEmptySlabsTotal {
		t.Errorf("empty list grew past the cap: %d", c.emptySlabsTotal)
	}
	if c.freeSlabsHead == noSlab {
		t.Error("no slab was purged to the free list")
	}
}

func TestTrimDrainsEmptySlabs(t *testing.T) {
	p := Malloc(300)
	class := slabSizeClass(p)
	c := &classes[class]
	Free(p)

	c.lock.Lock()
	hadEmpty := c.emptySlabs != noSlab
	c.lock.Unlock()
	if !hadEmpty {
		t.Skip("freed slab was purged directly")
	}

	if !Trim() {
		t.Error("Trim reported nothing released")
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.emptySlabs != noSlab {
		t.Error("Trim left slabs on the empty list")
	}
	if c.emptySlabsTotal != 0 {
		t.Errorf("emptySlabsTotal = %d after Trim", c.emptySlabsTotal)
	}
}

func TestReallocSameClassReturnsSamePointer(t *testing.T) {
	p := Malloc(100)
	q := Realloc(p, 90)
	if q != p {
		t.Error("shrink within the same class moved the allocation")
	}
	Free(q)
}

func TestReallocPreservesContents(t *testing.T) {
	p := Malloc(16)
	for i := uintptr(0); i < 8; i++ {
		*byteAt(p, i) = byte(i + 1)
	}
	q := Realloc(p, 600)
	if q == 0 || q == p {
		t.Fatalf("Realloc(16 -> 600) = %#x (old %#x)", q, p)
	}
	for i := uintptr(0); i < 8; i++ {
		if *byteAt(q, i) != byte(i+1) {
			t.Fatalf("content lost at offset %d", i)
		}
	}
	Free(q)
}

func TestLargeAllocationLifecycle(t *testing.T) {
	size := uintptr(100000)
	p := Malloc(size)
	if p == 0 {
		t.Fatal("large Malloc failed")
	}
	if inSlabRegion(root(), p) {
		t.Fatal("large allocation landed in the slab region")
	}
	if got := UsableSize(p); got != size {
		t.Errorf("UsableSize = %d, want %d", got, size)
	}

	*byteAt(p, 0) = 1
	*byteAt(p, size-1) = 2

	regionsState.lock.Lock()
	_, ok := regionsState.find(p)
	regionsState.lock.Unlock()
	if !ok {
		t.Error("large allocation missing from the region table")
	}

	FreeSized(p, size)
}

func TestLargeSizedFreeMismatchAborts(t *testing.T) {
	p := Malloc(100000)
	expectFatal(t, "sized deallocation mismatch", func() {
		FreeSized(p, 99999)
	})
	Free(p)
}

func TestLargeDoubleFreeAborts(t *testing.T) {
	p := Malloc(70000)
	Free(p)
	expectFatal(t, "invalid free", func() {
		Free(p)
	})
}

func TestUsableSizeUnknownPointerAborts(t *testing.T) {
	ensureInit()
	expectFatal(t, "invalid malloc_usable_size", func() {
		UsableSize(0x1000)
	})
}

func TestObjectSizeUnknownPointer(t *testing.T) {
	ensureInit()
	if got := ObjectSize(0x1000); got != ^uintptr(0) {
		t.Errorf("ObjectSize(unknown) = %#x, want max", got)
	}
	if got := ObjectSizeFast(0x1000); got != ^uintptr(0) {
		t.Errorf("ObjectSizeFast(unknown) = %#x, want max", got)
	}
}

func TestAllocAligned(t *testing.T) {
	if _, err := AllocAligned(3, 64, 1); err != ErrInvalidAlignment {
		t.Error("non-power-of-two alignment accepted")
	}
	if _, err := AllocAligned(4, 64, 8); err != ErrInvalidAlignment {
		t.Error("alignment below the minimum accepted")
	}

	p, err := AllocAligned(64, 100, 1)
	if err != nil {
		t.Fatalf("AllocAligned(64, 100) failed: %v", err)
	}
	if p%64 != 0 {
		t.Errorf("pointer %#x not 64-byte aligned", p)
	}
	Free(p)

	// Alignments beyond a page leave the slab path entirely.
	q, err := AllocAligned(8192, 100, 1)
	if err != nil {
		t.Fatalf("AllocAligned(8192, 100) failed: %v", err)
	}
	if q%8192 != 0 {
		t.Errorf("pointer %#x not 8192-byte aligned", q)
	}
	if inSlabRegion(root(), q) {
		t.Error("page-aligned allocation landed in the slab region")
	}
	Free(q)
}

func TestForkLockCycle(t *testing.T) {
	ensureInit()
	ForkPrepare()
	ForkParent()

	// The child path replaces every mutex and reseeds, after which the
	// allocator must still function.
	ForkPrepare()
	ForkChild()

	p := Malloc(64)
	if p == 0 {
		t.Fatal("Malloc failed after simulated fork")
	}
	Free(p)
}
