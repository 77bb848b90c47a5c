package rangeset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddMergesAdjacentAndOverlapping(t *testing.T) {
	s := New(Range{1, 5}, Range{6, 10}, Range{20, 30})
	require.Equal(t, "1-10,20-30", s.String())

	s.Add(Range{9, 25})
	require.Equal(t, "1-30", s.String())
}

func TestUnionCommutative(t *testing.T) {
	a := New(Range{1, 5}, Range{10, 15})
	b := New(Range{4, 12}, Range{100, 200})

	ab := Union(a, b)
	ba := Union(b, a)
	require.Equal(t, ab.String(), ba.String())
	require.Equal(t, "1-15,100-200", ab.String())
}

func TestDifferenceOfSelfIsEmpty(t *testing.T) {
	a := New(Range{1, 100})
	require.True(t, Difference(a, a).Empty())
}

func TestUnionDifferenceIntersectionIdentity(t *testing.T) {
	a := New(Range{1, 50}, Range{60, 100})
	b := New(Range{10, 70})

	diff := Difference(a, b)
	inter := Intersection(a, b)
	recombined := Union(diff, inter)
	require.Equal(t, a.String(), recombined.String())
}

func TestFindBisect(t *testing.T) {
	s := New(Range{0, 9}, Range{20, 29}, Range{100, 199})

	r, ok := s.Find(25)
	require.True(t, ok)
	require.Equal(t, Range{20, 29}, r)

	_, ok = s.Find(15)
	require.False(t, ok)

	r, ok = s.Find(199)
	require.True(t, ok)
	require.Equal(t, Range{100, 199}, r)
}

func TestDifferencePreservesLeftOrder(t *testing.T) {
	a := New(Range{1, 10}, Range{50, 60})
	b := New(Range{5, 55})

	d := Difference(a, b)
	require.Equal(t, []Range{{1, 4}, {56, 60}}, d.Ranges())
}
