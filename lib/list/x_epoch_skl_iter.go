package list

import (
	"github.com/benz9527/xmap/lib/infra"
)

// xEpochSklIter is lazy. It pins only inside Next and keeps the
// current node alive between calls by a reference. Not goroutine safe.
type xEpochSklIter[K infra.OrderedKey, V any] struct {
	skl     *xEpochSkl[K, V]
	curr    *xEpochSklNode[K, V]
	key     K
	val     V
	started bool
	closed  bool
}

func (it *xEpochSklIter[K, V]) Next() bool {
	if it.closed {
		return false
	}
	g := it.skl.collector.Pin()
	defer g.Unpin()

	var next *xEpochSklNode[K, V]
	switch {
	case !it.started:
		it.started = true
		next = it.skl.first()
	case it.curr == nil:
		return false
	default:
		ref := it.curr.next[0].load()
		if ref.isTombstoned() {
			// The successor of a removed node may be reclaimed already.
			next = it.skl.seek(it.curr.key, true)
			break
		}
		next = ref.get()
		for next != nil && next.isRemoved() {
			next = next.next[0].load().get()
		}
	}

	var v *V
	for next != nil {
		if next.tryIncRef() {
			if v = next.val.Load(); !it.skl.isPoisoned(next, v) {
				break
			}
			it.skl.release(g, next)
		}
		next = it.skl.seek(next.key, true)
	}
	if it.curr != nil {
		it.skl.release(g, it.curr)
	}
	it.curr = next
	if next == nil {
		return false
	}
	it.key, it.val = next.key, *v
	return true
}

func (it *xEpochSklIter[K, V]) Key() K {
	return it.key
}

func (it *xEpochSklIter[K, V]) Value() V {
	return it.val
}

func (it *xEpochSklIter[K, V]) Close() {
	if it.closed {
		return
	}
	it.closed = true
	if it.curr == nil {
		return
	}
	g := it.skl.collector.Pin()
	defer g.Unpin()
	it.skl.release(g, it.curr)
	it.curr = nil
}
