package core

import (
	"math/bits"
)

// divider performs division by a fixed divisor with a multiply and shift
// instead of a hardware divide, which sits on the hot deallocation path
// (class and slot recovery from a raw pointer).
//
// The magic constant is ceil(2^64 / d). For a dividend n the quotient is the
// high 64 bits of n * magic, which is exact whenever n * (magic*d - 2^64)
// < 2^64. The divisors here are at most one slab (<= 128 KiB) and the
// dividends at most one class region (< 2^38), far inside that bound.
type divider struct {
	magic   uint64
	divisor uint64
}

func newDivider(d uintptr) divider {
	return divider{
		magic:   ^uint64(0)/uint64(d) + 1,
		divisor: uint64(d),
	}
}

func (v divider) div(n uintptr) uintptr {
	hi, _ := bits.Mul64(uint64(n), v.magic)
	return uintptr(hi)
}
