package ratecounter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateWindowExpiry(t *testing.T) {
	r := NewRate(3, 1.0)
	r.Inc(1, 0)
	r.Inc(1, 0.5)
	require.Equal(t, 2, r.Get(0.5)) // same slot coalesces

	r.Inc(1, 10.0) // far past the window, old slot should drop off
	require.Equal(t, 1, r.Get(10.0))
}

func TestSpeedConverges(t *testing.T) {
	s := NewSpeed(10, 0)
	for i := 0; i < 20; i++ {
		s.Push(1, float64(i), float64(i+1))
	}
	require.InDelta(t, 1.0, s.Speed(), 0.2)
	require.InDelta(t, 1.0, s.AvgDuration(10), 0.2)
}

func TestSpeedFallback(t *testing.T) {
	s := NewSpeed(10, 0)
	require.Equal(t, 0.0, s.Speed())
	require.Equal(t, 10.0, s.AvgDuration(10))
}
