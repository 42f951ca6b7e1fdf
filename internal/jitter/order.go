package jitter

// halfCircle is the distance at which two uint32 timestamps stop being
// comparable.
const halfCircle = 1 << 31

// Before reports whether timestamp a comes before b on the 32-bit circle.
// Timestamps exactly half a circle apart are ordered neither way, and the
// order is only transitive within a span of less than half a circle.
func Before(a, b uint32) bool {
	return a != b && b-a < halfCircle
}

// After reports whether a comes after b on the 32-bit circle.
func After(a, b uint32) bool {
	return Before(b, a)
}

// Diff returns the signed circular distance from b to a, i.e. how many ticks
// a lies ahead of b.
func Diff(a, b uint32) int64 {
	return int64(int32(a - b))
}
