package model

import "strconv"

// TaskID identifies a task within one stream's outstanding window. Ids are
// drawn from a 16-bit space and reused after reclaim, so ordering is only
// meaningful between ids less than half the space apart.
type TaskID uint16

// MaxWindow is the largest number of outstanding ids for which modular
// comparison stays unambiguous.
const MaxWindow = 1 << 15

// Diff returns the signed distance from b to a modulo the id space.
func (a TaskID) Diff(b TaskID) int {
	return int(int16(a - b))
}

// GT reports whether a comes after b.
func (a TaskID) GT(b TaskID) bool { return a.Diff(b) > 0 }

// GEQ reports whether a is b or comes after it.
func (a TaskID) GEQ(b TaskID) bool { return a.Diff(b) >= 0 }

// LT reports whether a comes before b.
func (a TaskID) LT(b TaskID) bool { return a.Diff(b) < 0 }

// LEQ reports whether a is b or comes before it.
func (a TaskID) LEQ(b TaskID) bool { return a.Diff(b) <= 0 }

// Next returns the id following a, wrapping at the end of the space.
func (a TaskID) Next() TaskID { return a + 1 }

// Between reports whether a lies in the half-open range (lo, hi].
func (a TaskID) Between(lo, hi TaskID) bool {
	return a.GT(lo) && a.LEQ(hi)
}

func (a TaskID) String() string {
	return strconv.FormatUint(uint64(a), 10)
}
