package paymentid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHopIDsReturnsRequestedCount(t *testing.T) {
	g := New()
	ids, err := g.HopIDs(10)
	require.NoError(t, err)
	require.Len(t, ids, 10)
}

func TestHopIDsAreGloballyUniqueAcrossCalls(t *testing.T) {
	g := New()
	seen := make(map[[32]byte]bool)

	for hop := 0; hop < 5; hop++ {
		ids, err := g.HopIDs(10)
		require.NoError(t, err)
		for _, id := range ids {
			require.False(t, seen[id], "duplicate payment-id across hops")
			seen[id] = true
		}
	}
}

func TestHopIDsRejectsOutOfBoundsCount(t *testing.T) {
	g := New()
	_, err := g.HopIDs(0)
	require.Error(t, err)
	_, err = g.HopIDs(11)
	require.Error(t, err)
}

func TestDisplayIsStableEncoding(t *testing.T) {
	var id [32]byte
	copy(id[:], []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	require.Equal(t, Display(id), Display(id))
	require.NotEmpty(t, Display(id))
}
