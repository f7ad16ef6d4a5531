// Package seq implements modular sequence-number arithmetic over the fixed
// sequence space used by every channel: S = 1024 values, wrapping.
package seq

// Space is the size of the sequence-number space (spec.md §6).
const Space = 1024

// Number is a sequence number in [0, Space).
type Number uint16

// Next returns n+1 wrapped into the sequence space.
func Next(n Number) Number {
	return Number((uint32(n) + 1) % Space)
}

// Add returns n+delta wrapped into the sequence space. delta may be
// negative.
func Add(n Number, delta int) Number {
	v := (int(n) + delta) % Space
	if v < 0 {
		v += Space
	}
	return Number(v)
}

// Relative returns c = ((a - b) mod S); if c > S/2 it returns c - S, so the
// result is in (-S/2, S/2]. This is the single primitive every ack and
// every received sequenced datagram uses to decide early/late/on-time.
func Relative(a, b Number) int {
	c := (int(a) - int(b)) % Space
	if c < 0 {
		c += Space
	}
	if c > Space/2 {
		c -= Space
	}
	return c
}

// LessThan reports whether a is strictly behind b in modular terms.
func LessThan(a, b Number) bool { return Relative(a, b) < 0 }

// GreaterThan reports whether a is strictly ahead of b in modular terms.
func GreaterThan(a, b Number) bool { return Relative(a, b) > 0 }
