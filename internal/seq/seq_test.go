package seq_test

import (
	"testing"

	"github.com/reliudp/reliudp/internal/seq"
	"github.com/stretchr/testify/require"
)

// Property 5: relative arithmetic for all x in the sequence space.
func TestRelativeAllX(t *testing.T) {
	for x := 0; x < seq.Space; x++ {
		x := seq.Number(x)
		require.Equal(t, 1, seq.Relative(seq.Next(x), x), "x=%d", x)
		require.Equal(t, -1, seq.Relative(seq.Add(x, -1), x), "x=%d", x)
		require.Equal(t, 0, seq.Relative(x, x), "x=%d", x)
	}
}

func TestRelativeWrapBoundary(t *testing.T) {
	require.Equal(t, seq.Space/2, seq.Relative(seq.Number(seq.Space/2), 0))
	require.Equal(t, -(seq.Space/2 - 1), seq.Relative(seq.Number(seq.Space/2+1), 0))
}

func TestLessGreaterThan(t *testing.T) {
	require.True(t, seq.LessThan(5, 10))
	require.True(t, seq.GreaterThan(10, 5))
	require.False(t, seq.LessThan(10, 5))
}
