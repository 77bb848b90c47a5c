// Copyright 2026 The Chainarchive Authors
// This file is part of Chainarchive.
//
// Chainarchive is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainarchive is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainarchive. If not, see <http://www.gnu.org/licenses/>.

// Package rangeset implements closed block-number intervals and the
// ordered, disjoint, non-adjacent sets of them used by the state manager to
// track locally materialized ranges and by the sync loop to diff desired
// against available state.
package rangeset

import (
	"fmt"
	"sort"
	"strings"
)

// Range is a closed interval [Lo, Hi], Lo <= Hi.
type Range struct {
	Lo, Hi uint64
}

// String renders "lo-hi".
func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

// Contains reports whether n falls within the closed interval.
func (r Range) Contains(n uint64) bool {
	return n >= r.Lo && n <= r.Hi
}

// touches reports whether a and b overlap or sit adjacent to each other,
// i.e. merging them produces a single contiguous range.
func touches(a, b Range) bool {
	if a.Lo > b.Lo {
		a, b = b, a
	}
	return b.Lo <= a.Hi+1
}

// Set is an ordered, disjoint, non-adjacent list of Ranges.
type Set struct {
	ranges []Range
}

// New builds a Set from arbitrary (possibly overlapping/unsorted) ranges,
// normalizing them as union would.
func New(rs ...Range) *Set {
	s := &Set{}
	for _, r := range rs {
		s.Add(r)
	}
	return s
}

// Ranges returns the normalized range list in ascending order. The caller
// must not mutate the returned slice.
func (s *Set) Ranges() []Range {
	return s.ranges
}

// Empty reports whether the set has no ranges.
func (s *Set) Empty() bool { return len(s.ranges) == 0 }

// Add merges r into the set, coalescing with any touching/overlapping
// neighbors.
func (s *Set) Add(r Range) {
	if r.Lo > r.Hi {
		return
	}
	s.ranges = normalize(append(append([]Range(nil), s.ranges...), r))
}

func merge(a, b Range) Range {
	r := Range{Lo: a.Lo, Hi: a.Hi}
	if b.Lo < r.Lo {
		r.Lo = b.Lo
	}
	if b.Hi > r.Hi {
		r.Hi = b.Hi
	}
	return r
}

// normalize sorts-and-coalesces an arbitrary range list into the set
// invariant (ascending, disjoint, non-adjacent).
func normalize(rs []Range) []Range {
	if len(rs) == 0 {
		return nil
	}
	sorted := append([]Range(nil), rs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lo < sorted[j].Lo })
	out := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if touches(*last, r) {
			*last = merge(*last, r)
		} else {
			out = append(out, r)
		}
	}
	return out
}

// Union returns a new Set containing every range in a and b, merged.
func Union(a, b *Set) *Set {
	all := append(append([]Range(nil), a.Ranges()...), b.Ranges()...)
	return &Set{ranges: normalize(all)}
}

// Intersection returns the ranges present in both a and b.
func Intersection(a, b *Set) *Set {
	var out []Range
	i, j := 0, 0
	ar, br := a.Ranges(), b.Ranges()
	for i < len(ar) && j < len(br) {
		lo := max64(ar[i].Lo, br[j].Lo)
		hi := min64(ar[i].Hi, br[j].Hi)
		if lo <= hi {
			out = append(out, Range{Lo: lo, Hi: hi})
		}
		if ar[i].Hi < br[j].Hi {
			i++
		} else {
			j++
		}
	}
	return &Set{ranges: out}
}

// Difference returns the ranges in a not covered by b, preserving a's
// left-to-right order.
func Difference(a, b *Set) *Set {
	var out []Range
	br := b.Ranges()
	for _, r := range a.Ranges() {
		cur := r
		for _, sub := range br {
			if sub.Hi < cur.Lo || sub.Lo > cur.Hi {
				continue
			}
			if sub.Lo > cur.Lo {
				out = append(out, Range{Lo: cur.Lo, Hi: sub.Lo - 1})
			}
			if sub.Hi >= cur.Hi {
				cur = Range{Lo: 1, Hi: 0} // empty, sentinel via Lo>Hi
				break
			}
			cur.Lo = sub.Hi + 1
		}
		if cur.Lo <= cur.Hi {
			out = append(out, cur)
		}
	}
	return &Set{ranges: out}
}

// Find returns the Range containing n and true, or the zero Range and false.
// Implemented as a binary search over the sorted, disjoint range list (the
// "bisect over sorted ranges" the state manager relies on).
func (s *Set) Find(n uint64) (Range, bool) {
	rs := s.ranges
	i := sort.Search(len(rs), func(i int) bool { return rs[i].Hi >= n })
	if i < len(rs) && rs[i].Contains(n) {
		return rs[i], true
	}
	return Range{}, false
}

// String renders the set as "lo1-hi1,lo2-hi2,...".
func (s *Set) String() string {
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
