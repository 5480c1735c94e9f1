// Package randkey provides splittable pseudo-random keys.
//
// A Key is an immutable value. Code that needs randomness takes a key,
// splits it, consumes one half and hands the other back to the caller, so the
// whole run is reproducible from a single seed and no generator state is
// shared between goroutines.
package randkey

import (
	"fmt"
	"math/rand/v2"
	"strconv"
)

// Key is a 128-bit PRNG key.
type Key struct {
	Hi, Lo uint64
}

// New derives a key from a seed.
func New(seed uint64) Key {
	s := seed
	return Key{Hi: splitmix(&s), Lo: splitmix(&s)}
}

// Split derives two independent keys from k.
func (k Key) Split() (Key, Key) {
	keys := k.SplitN(2)
	return keys[0], keys[1]
}

// SplitN derives n independent keys from k.
func (k Key) SplitN(n int) []Key {
	keys := make([]Key, n)
	s := k.Hi ^ (k.Lo * 0x9e3779b97f4a7c15)
	for i := range keys {
		keys[i] = Key{Hi: splitmix(&s), Lo: splitmix(&s) ^ k.Lo}
	}
	return keys
}

// Rand returns a generator seeded from k. Each call returns a fresh
// generator that produces the same stream.
func (k Key) Rand() *rand.Rand {
	return rand.New(rand.NewPCG(k.Hi, k.Lo))
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%016x%016x", k.Hi, k.Lo)
}

// Parse decodes the form produced by String.
func Parse(s string) (Key, error) {
	if len(s) != 32 {
		return Key{}, fmt.Errorf("randkey: %q is not 32 hex digits", s)
	}
	hi, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return Key{}, fmt.Errorf("randkey: %w", err)
	}
	lo, err := strconv.ParseUint(s[16:], 16, 64)
	if err != nil {
		return Key{}, fmt.Errorf("randkey: %w", err)
	}
	return Key{Hi: hi, Lo: lo}, nil
}

// splitmix advances s and returns the next SplitMix64 output.
func splitmix(s *uint64) uint64 {
	*s += 0x9e3779b97f4a7c15
	z := *s
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
