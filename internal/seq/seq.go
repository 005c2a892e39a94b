// Package seq implements signed modular arithmetic over a 31-bit circular
// sequence-number space, per spec.md §3 and §4.A. All operations are total
// and pure: they never fail.
package seq

const (
	// bits is the width of the sequence-number space.
	bits = 31
	// modulus is 2^31, the size of the circular space.
	modulus = 1 << bits
	// mask reduces any uint32 into the 31-bit domain.
	mask = modulus - 1
	// threshold is 2^30: distances with absolute value below this are
	// "close" and compared directly; distances at or above it wrap the
	// other way around the circle.
	threshold = 1 << (bits - 1)
)

// Number is a 31-bit sequence number. Only the low 31 bits are significant;
// callers should route values through Norm before storing a raw uint32.
type Number uint32

// Norm masks v into the 31-bit domain.
func Norm(v uint32) Number { return Number(v & mask) }

// Cmp returns the signed distance from b to a, choosing the shorter arc
// around the circle: a-b when it already lies in [-2^30, 2^30), otherwise
// a-b shifted by 2^31 (added or subtracted) into that range. The result is
// always in [-2^30, 2^30).
func Cmp(a, b Number) int {
	diff := (int64(a) - int64(b)) % modulus
	if diff < 0 {
		diff += modulus
	}
	if diff >= threshold {
		diff -= modulus
	}
	return int(diff)
}

// Off returns the signed distance from "from" to "to": the number of
// increments (positive) or decrements (negative) needed to walk from
// "from" to "to" along the shorter arc.
func Off(from, to Number) int {
	return Cmp(to, from)
}

// Inc advances seq by n (default 1), wrapping modulo 2^31.
func Inc(s Number, n ...int) Number {
	delta := 1
	if len(n) > 0 {
		delta = n[0]
	}
	return Number((uint32(s) + uint32(int64(delta)&mask)) & mask)
}

// Dec retreats seq by n (default 1), wrapping modulo 2^31.
func Dec(s Number, n ...int) Number {
	delta := 1
	if len(n) > 0 {
		delta = n[0]
	}
	return Number((uint32(s) - uint32(int64(delta)&mask)) & mask)
}
