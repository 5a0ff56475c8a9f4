package list

import (
	"context"
	"errors"
	randv2 "math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benz9527/xmap/lib/epoch"
	"github.com/benz9527/xmap/lib/infra"
)

func newTestXEpochSkl[V any](t *testing.T, opts ...XEpochSklOption) *xEpochSkl[int, V] {
	skl, err := NewXEpochSkl[int, V](infra.AscOrderedKeyComparator[int](), opts...)
	require.NoError(t, err)
	return skl.(*xEpochSkl[int, V])
}

// checkXEpochSklLevels verifies that every level is strictly increasing,
// holds no removed node and is a subset of the level below.
func checkXEpochSklLevels[V any](t *testing.T, skl *xEpochSkl[int, V], removed map[int]struct{}) {
	var below map[int]struct{}
	for l := int32(0); l < skl.maxLevel; l++ {
		keys := make(map[int]struct{})
		prev, first := 0, true
		skl.ForeachLevel(l, func(key int, tagged bool) bool {
			require.False(t, tagged, "level %d keeps the removed key %d", l, key)
			_, ok := removed[key]
			require.False(t, ok, "level %d keeps the removed key %d", l, key)
			if !first {
				require.Less(t, prev, key)
			}
			if below != nil {
				_, ok = below[key]
				require.True(t, ok, "level %d key %d absent below", l, key)
			}
			prev, first = key, false
			keys[key] = struct{}{}
			return true
		})
		below = keys
	}
}

func TestXEpochSkl_Options(t *testing.T) {
	testcases := []struct {
		name string
		opt  XEpochSklOption
	}{
		{"max level too high", WithXEpochSklMaxLevel(33)},
		{"max level zero", WithXEpochSklMaxLevel(0)},
		{"ratio", WithXEpochSklRatio(1)},
		{"rand", WithXEpochSklRandLevelGen(nil)},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(tt *testing.T) {
			_, err := NewXEpochSkl[int, int](infra.AscOrderedKeyComparator[int](), tc.opt)
			require.True(tt, errors.Is(err, ErrXListInvalidOption))
		})
	}
	_, err := NewXEpochSkl[int, int](nil)
	require.ErrorIs(t, err, ErrXListInvalidOption)
}

func TestXEpochSkl_SerialProcessing(t *testing.T) {
	skl := newTestXEpochSkl[string](t)
	keys := randv2.Perm(1000)
	for _, k := range keys {
		outcome, _ := skl.Insert(k, "v")
		require.Equal(t, Inserted, outcome)
	}
	require.Equal(t, int64(1000), skl.Len())
	for _, k := range keys {
		outcome, prev := skl.Insert(k, "w")
		require.Equal(t, Updated, outcome)
		require.Equal(t, "v", prev)
	}

	skl.Foreach(func(idx int64, key int, val string) bool {
		require.Equal(t, int(idx), key)
		require.Equal(t, "w", val)
		return true
	})

	removed := make(map[int]struct{}, 500)
	for _, k := range keys[:500] {
		require.True(t, skl.Remove(k))
		require.False(t, skl.Remove(k))
		_, ok := skl.Get(k)
		require.False(t, ok)
		removed[k] = struct{}{}
	}
	require.Equal(t, int64(500), skl.Len())
	require.Equal(t, int64(0), skl.Tombstones())
	checkXEpochSklLevels(t, skl, removed)

	for _, k := range keys[500:] {
		require.True(t, skl.Remove(k))
	}
	require.Equal(t, int64(0), skl.Len())
	require.Equal(t, int64(0), skl.IndexCount())
	require.Equal(t, int32(1), skl.Levels())
	require.Equal(t, int64(0), skl.DanglingReads())
}

func TestXEpochSkl_LevelBound(t *testing.T) {
	const total = 10000
	skl := newTestXEpochSkl[int](t, WithXEpochSklRatio(4))
	for i := 0; i < total; i++ {
		skl.Insert(int(randv2.Int64()), i)
	}
	require.Equal(t, int64(total), skl.Len())
	// log4(10000) ~ 6.6
	require.LessOrEqual(t, skl.Levels(), int32(16))
	require.Greater(t, skl.Levels(), int32(1))
	// Expected total/(ratio-1) links above level 0.
	require.Greater(t, skl.IndexCount(), int64(total/8))
	require.Less(t, skl.IndexCount(), int64(total))
	checkXEpochSklLevels(t, skl, nil)
}

func TestXEpochSkl_RemoveFromEveryLevel(t *testing.T) {
	// Every node is as tall as possible.
	skl := newTestXEpochSkl[int](t,
		WithXEpochSklMaxLevel(8),
		WithXEpochSklRandLevelGen(func(maxLevel int32, ratio int32, currentElements int64) int32 {
			return maxLevel
		}),
	)
	for i := 0; i < 100; i++ {
		skl.Insert(i, i)
	}
	require.Equal(t, int32(8), skl.Levels())
	require.Equal(t, int64(700), skl.IndexCount())

	removed := make(map[int]struct{})
	for i := 0; i < 100; i += 3 {
		require.True(t, skl.Remove(i))
		removed[i] = struct{}{}
	}
	checkXEpochSklLevels(t, skl, removed)
	require.Equal(t, int64(7*(100-len(removed))), skl.IndexCount())
	require.True(t, strings.HasPrefix(skl.String(), "L07: 1 -> 2 -> 4 -> "))
}

func TestXEpochSkl_Evict(t *testing.T) {
	skl := newTestXEpochSkl[int](t, WithXEpochSklMaxLevel(8))
	const (
		goroutines = 8
		keys       = 512
	)
	for i := 0; i < keys; i++ {
		skl.Insert(i, i*10)
	}
	var owned sync.Map
	wg := sync.WaitGroup{}
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < keys; i++ {
				outcome, v := skl.Evict(i)
				if outcome == Missing {
					continue
				}
				// The winner finishes its own unlink.
				assert.Equal(t, Removed, outcome)
				assert.Equal(t, i*10, v)
				_, dup := owned.LoadOrStore(i, g)
				assert.False(t, dup, "key %d evicted twice", i)
			}
		}(g)
	}
	wg.Wait()
	n := 0
	owned.Range(func(_, _ any) bool {
		n++
		return true
	})
	require.Equal(t, keys, n)
	require.Equal(t, int64(0), skl.Len())
	require.Equal(t, int64(0), skl.Tombstones())
	checkXEpochSklLevels(t, skl, map[int]struct{}{})

	outcome, _ := skl.Evict(1)
	require.Equal(t, Missing, outcome)
}

func TestXEpochSkl_PeekAndPopHead(t *testing.T) {
	skl := newTestXEpochSkl[int](t)
	_, _, ok := skl.PeekHead()
	require.False(t, ok)
	_, _, ok = skl.PopHead()
	require.False(t, ok)

	for _, k := range randv2.Perm(200) {
		skl.Insert(k, k*10)
	}
	k, v, ok := skl.PeekHead()
	require.True(t, ok)
	require.Equal(t, 0, k)
	require.Equal(t, 0, v)
	for i := 0; i < 200; i++ {
		k, v, ok = skl.PopHead()
		require.True(t, ok)
		require.Equal(t, i, k)
		require.Equal(t, i*10, v)
	}
	_, _, ok = skl.PopHead()
	require.False(t, ok)
	require.Equal(t, int64(0), skl.Len())
}

func TestXEpochSkl_Iterator(t *testing.T) {
	skl := newTestXEpochSkl[int](t)
	for _, k := range randv2.Perm(100) {
		skl.Insert(k, k)
	}
	it := skl.NewIterator()
	expected := 0
	for it.Next() {
		require.Equal(t, expected, it.Key())
		require.Equal(t, expected, it.Value())
		// Removing the current node and its successor keeps the
		// iteration going.
		if expected%10 == 0 {
			require.True(t, skl.Remove(expected))
			require.True(t, skl.Remove(expected+1))
			expected++
		}
		expected++
	}
	require.Equal(t, 100, expected)
	require.False(t, it.Next())
	it.Close()
	it.Close()
	require.Equal(t, int64(80), skl.Len())
	checkXEpochSklLevels(t, skl, nil)

	it = skl.NewIterator()
	require.True(t, it.Next())
	require.Equal(t, 2, it.Key())
	it.Close()
	require.False(t, it.Next())
}

func TestXEpochSkl_RandLevel(t *testing.T) {
	for _, gen := range []SklRand{randomLevel, randomLevelV2, randomLevelV3} {
		for i := 0; i < 1000; i++ {
			level := gen(xEpochSklMaxLevel, 4, 1<<20)
			require.GreaterOrEqual(t, level, int32(1))
			require.LessOrEqual(t, level, int32(xEpochSklMaxLevel))
		}
	}
	for i := 0; i < 100; i++ {
		require.Equal(t, int32(1), randomLevelV2(xEpochSklMaxLevel, 4, 0))
		require.LessOrEqual(t, randomLevelV3(xEpochSklMaxLevel, 4, 15), int32(3))
	}
	require.Equal(t, int32(1), levelFromBits(1, 32, 4, 1<<20))
	require.Equal(t, int32(2), levelFromBits(1<<2, 32, 4, 1<<20))
	require.Equal(t, int32(3), levelFromBits(1<<5, 32, 4, 1<<20))
	require.Equal(t, int32(32), levelFromBits(0, 32, 2, 1<<62))

	for _, name := range []string{"", SklRandCoin, SklRandBits, SklRandCrypto} {
		gen, ok := SklRandByName(name)
		require.True(t, ok, name)
		require.NotNil(t, gen)
	}
	_, ok := SklRandByName("dice")
	require.False(t, ok)
}

func TestXEpochSkl_Concurrent(t *testing.T) {
	c := epoch.NewCollector()
	skl := newTestXEpochSkl[int](t,
		WithXEpochSklCollector(c),
		WithXEpochSklStats(t.Name()),
	)
	testEpochMapConcurrent(t, c, skl)
	require.Equal(t, int64(0), skl.Tombstones())
	checkXEpochSklLevels(t, skl, nil)
}

func TestXEpochSkl_ConcurrentIteration(t *testing.T) {
	c := epoch.NewCollector()
	skl := newTestXEpochSkl[int](t, WithXEpochSklCollector(c))
	for i := 0; i < 512; i++ {
		skl.Insert(i, i)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			k := randv2.IntN(512)
			if !skl.Remove(k) {
				skl.Insert(k, k)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			it := skl.NewIterator()
			prev := -1
			for it.Next() {
				assert.Less(t, prev, it.Key())
				assert.Equal(t, it.Key(), it.Value())
				prev = it.Key()
			}
			it.Close()
		}
	}()
	wg.Wait()
	require.Equal(t, int64(0), skl.DanglingReads())
	checkXEpochSklLevels(t, skl, nil)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	_, err := c.Drain(drainCtx)
	require.NoError(t, err)
}
