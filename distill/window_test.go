package distill

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLossWindow(t *testing.T) {
	w := newLossWindow(3)
	require.Equal(t, 0.0, w.Mean())

	w.Add(1)
	w.Add(2)
	require.Equal(t, 2, w.Len())
	require.InDelta(t, 1.5, w.Mean(), 1e-12)

	w.Add(3)
	require.InDelta(t, 2.0, w.Mean(), 1e-12)

	// Oldest value (1) falls out of the window.
	w.Add(7)
	require.Equal(t, 3, w.Len())
	require.InDelta(t, 4.0, w.Mean(), 1e-12)
}
