package core

import "sort"

// ivRange is a half-open [start, start+len) byte range.
type ivRange struct {
	start uint32
	len   uint32
}

// Interval is a grow-only collection of byte ranges tied to a base buffer,
// grounded on pefile.cpp's Interval::add/compare/flatten/clear (spec.md
// §4.1). It deliberately never rebalances: add-all-then-flatten is the only
// access pattern used anywhere in the core (spec.md §9).
type Interval struct {
	base   []byte
	ranges []ivRange
}

// NewInterval ties a new, empty Interval to base. base is never copied or
// mutated except by Clear.
func NewInterval(base []byte) *Interval {
	return &Interval{base: base}
}

// Add records [start, start+length) as covered. length == 0 is a no-op.
func (iv *Interval) Add(start, length uint32) {
	if length == 0 {
		return
	}
	iv.ranges = append(iv.ranges, ivRange{start: start, len: length})
}

// AddRange is the pointer-subtraction convenience from the original API:
// it records [start, end) given two offsets into the same base buffer.
func (iv *Interval) AddRange(start, end uint32) {
	if end <= start {
		return
	}
	iv.Add(start, end-start)
}

// AddInterval merges every range of other into iv (add-collection).
func (iv *Interval) AddInterval(other *Interval) {
	iv.ranges = append(iv.ranges, other.ranges...)
}

// Len reports the number of (possibly overlapping, pre-flatten) ranges.
func (iv *Interval) Len() int { return len(iv.ranges) }

// Flatten sorts ranges lexicographically by start (ties broken so the
// longer range sorts first, stabilizing coalescing) and coalesces runs
// where the next start <= current end, widening len to cover the furthest
// end. Flatten is idempotent (spec.md §8 property 2): calling it again on
// an already-flat Interval is a no-op.
func (iv *Interval) Flatten() {
	if len(iv.ranges) == 0 {
		return
	}
	sort.Slice(iv.ranges, func(i, j int) bool {
		a, b := iv.ranges[i], iv.ranges[j]
		if a.start != b.start {
			return a.start < b.start
		}
		return a.len > b.len
	})
	out := iv.ranges[:1]
	for _, r := range iv.ranges[1:] {
		last := &out[len(out)-1]
		lastEnd := last.start + last.len
		if r.start <= lastEnd {
			if end := r.start + r.len; end > lastEnd {
				last.len = end - last.start
			}
			continue
		}
		out = append(out, r)
	}
	iv.ranges = out
}

// Ranges returns the flattened ranges. Callers must call Flatten first if
// they require the sorted/disjoint invariant.
func (iv *Interval) Ranges() []struct{ Start, Len uint32 } {
	out := make([]struct{ Start, Len uint32 }, len(iv.ranges))
	for i, r := range iv.ranges {
		out[i] = struct{ Start, Len uint32 }{r.start, r.len}
	}
	return out
}

// IsContiguous reports whether, after flattening, the interval consists of
// exactly one range (used by the import processor's dll-name-region test
// in spec.md §4.6).
func (iv *Interval) IsContiguous() bool {
	iv.Flatten()
	return len(iv.ranges) == 1
}

// Clear zeroes every covered byte of the base buffer in place.
func (iv *Interval) Clear() {
	for _, r := range iv.ranges {
		end := r.start + r.len
		if int(end) > len(iv.base) {
			end = uint32(len(iv.base))
		}
		if r.start >= end {
			continue
		}
		for i := r.start; i < end; i++ {
			iv.base[i] = 0
		}
	}
}

// Dump renders the interval for diagnostics, mirroring the teacher's
// habit of a small human-readable dump helper alongside binary structures.
func (iv *Interval) Dump() []struct{ Start, Len uint32 } {
	return iv.Ranges()
}
