package math

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/rand"
)

// Clamp returns the value `f` clamped to the range [low, high].
// It works for any numeric type (integers and floats).
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

// AlignUp rounds v up to a multiple of alignment, which must be a power of two.
func AlignUp[T constraints.Unsigned](v, alignment T) T {
	return (v + alignment - 1) &^ (alignment - 1)
}

// NewRandom returns a deterministic generator. Each worker owns its own
// instance since *rand.Rand is not safe for concurrent use.
func NewRandom(seed uint64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
