package list

import (
	"sync"
	"sync/atomic"

	"github.com/benz9527/xmap/lib/epoch"
	"github.com/benz9527/xmap/lib/infra"
)

const (
	sklHeightBits = 5
	sklHeightMask = 1<<sklHeightBits - 1
	sklRefUnit    = 1 << sklHeightBits
)

// The tag of next[0] is the logical deletion of the node, the tags of
// the other levels only stop new links at those levels.
type xEpochSklNode[K infra.OrderedKey, V any] struct {
	key K
	val atomic.Pointer[V]
	// Low 5 bits store height-1, the others the references:
	// one per level link plus the ones held by inserters and iterators.
	refsAndHeight atomic.Uint64
	flags         flagBits
	next          []xLink[xEpochSklNode[K, V]]
}

func (node *xEpochSklNode[K, V]) height() int32 {
	return int32(node.refsAndHeight.Load()&sklHeightMask) + 1
}

func (node *xEpochSklNode[K, V]) refs() uint64 {
	return node.refsAndHeight.Load() >> sklHeightBits
}

func (node *xEpochSklNode[K, V]) isRemoved() bool {
	return node.next[0].load().isTombstoned()
}

func (node *xEpochSklNode[K, V]) tryIncRef() bool {
	for {
		word := node.refsAndHeight.Load()
		if word>>sklHeightBits == 0 {
			return false
		}
		if node.refsAndHeight.CompareAndSwap(word, word+sklRefUnit) {
			return true
		}
	}
}

func (node *xEpochSklNode[K, V]) incRef() {
	node.refsAndHeight.Add(sklRefUnit)
}

// decRef returns true when the last reference is dropped.
func (node *xEpochSklNode[K, V]) decRef() bool {
	return node.refsAndHeight.Add(^uint64(sklRefUnit-1))>>sklHeightBits == 0
}

// Initial references: the level 0 link and the inserter.
func (node *xEpochSklNode[K, V]) reset(key K, val *V, height int32) {
	node.key = key
	node.val.Store(val)
	for i := range node.next {
		node.next[i].reset()
	}
	node.flags.setAs(0)
	node.refsAndHeight.Store(2<<sklHeightBits | uint64(height-1))
}

// xEpochSklNodePool keeps one pool per height, a recycled node never
// changes its height.
type xEpochSklNodePool[K infra.OrderedKey, V any] struct {
	pools []sync.Pool
}

func newXEpochSklNodePool[K infra.OrderedKey, V any](maxLevel int32) *xEpochSklNodePool[K, V] {
	p := &xEpochSklNodePool[K, V]{
		pools: make([]sync.Pool, maxLevel),
	}
	for i := range p.pools {
		height := i + 1
		p.pools[i].New = func() any {
			return &xEpochSklNode[K, V]{
				next: make([]xLink[xEpochSklNode[K, V]], height),
			}
		}
	}
	return p
}

func (p *xEpochSklNodePool[K, V]) get(key K, val V, height int32) *xEpochSklNode[K, V] {
	v := new(V)
	*v = val
	node := p.pools[height-1].Get().(*xEpochSklNode[K, V])
	node.reset(key, v, height)
	return node
}

func (p *xEpochSklNodePool[K, V]) put(node *xEpochSklNode[K, V]) {
	p.pools[len(node.next)-1].Put(node)
}

// release drops a reference, the last one defers the reclamation.
func (skl *xEpochSkl[K, V]) release(g *epoch.Guard, node *xEpochSklNode[K, V]) {
	if !node.decRef() {
		return
	}
	g.Defer(func() {
		node.val.Store(skl.poison)
		node.flags.atomicSet(nodeReclaimedFlagBit)
		for i := range node.next {
			node.next[i].reset()
		}
		skl.pool.put(node)
	})
}
