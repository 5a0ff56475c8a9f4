package infra

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderedKeyComparator(t *testing.T) {
	asc := AscOrderedKeyComparator[int]()
	require.Equal(t, int64(0), asc(1, 1))
	require.Equal(t, int64(1), asc(2, 1))
	require.Equal(t, int64(-1), asc(1, 2))

	desc := DescOrderedKeyComparator[string]()
	require.Equal(t, int64(0), desc("a", "a"))
	require.Equal(t, int64(-1), desc("b", "a"))
	require.Equal(t, int64(1), desc("a", "b"))

	keys := []float64{3.3, 1.1, 2.2, -1}
	sort.Slice(keys, func(i, j int) bool {
		return AscOrderedKeyComparator[float64]()(keys[i], keys[j]) < 0
	})
	require.Equal(t, []float64{-1, 1.1, 2.2, 3.3}, keys)
}
