// Package random supplies per-subsystem pseudo-random state for the
// allocator. Each state is a ChaCha8 stream keyed from the platform CSPRNG;
// the generator itself does not need to be cryptographic, but the seeding
// must be, so that slot placement cannot be resynchronized across processes
// or across a fork.
package random

import (
	mathrand "math/rand/v2"
)

// Entropy is the seed source, normally the platform CSPRNG.
type Entropy func(out []byte) error

// State is a single subsystem's generator. Not safe for concurrent use; the
// engine guards each state with the lock of the subsystem that owns it.
type State struct {
	rand    *mathrand.Rand
	entropy Entropy
}

// NewState keys a fresh generator from the given entropy source.
func NewState(entropy Entropy) (*State, error) {
	s := &State{entropy: entropy}
	if err := s.Reseed(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reseed rekeys the generator. Called at init and in the fork child so the
// child's placement diverges from the parent's.
func (s *State) Reseed() error {
	var key [32]byte
	if err := s.entropy(key[:]); err != nil {
		return err
	}
	s.rand = mathrand.New(mathrand.NewChaCha8(key))
	return nil
}

// U64 returns a uniform 64-bit value.
func (s *State) U64() uint64 {
	return s.rand.Uint64()
}

// U64N returns a uniform value in [0, bound), or 0 when bound is 0.
func (s *State) U64N(bound uint64) uint64 {
	if bound == 0 {
		return 0
	}
	return s.rand.Uint64N(bound)
}

// U16N returns a uniform value in [0, bound) as a small unsigned integer,
// or 0 when bound is 0. Used for slot-search jitter.
func (s *State) U16N(bound uint16) uint {
	if bound == 0 {
		return 0
	}
	return uint(s.rand.Uint64N(uint64(bound)))
}
