package list

import (
	"sync/atomic"
)

type xConcListNode[K comparable, V any] struct {
	key   K
	val   atomic.Pointer[V]
	next  xLink[xConcListNode[K, V]] // Tombstoned once the node is removed.
	prev  atomic.Pointer[xConcListNode[K, V]]
	flags flagBits
}

func (node *xConcListNode[K, V]) isActive() bool {
	return node.flags.atomicIsSet(nodeActiveFlagBit)
}

// deactivate is the logical deletion. Only the first caller wins.
func (node *xConcListNode[K, V]) deactivate() bool {
	return node.flags.atomicTryUnset(nodeActiveFlagBit)
}

func (node *xConcListNode[K, V]) reset(key K, val *V, prev *xConcListNode[K, V]) {
	node.key = key
	node.val.Store(val)
	node.next.reset()
	node.prev.Store(prev)
	node.flags.setAs(nodeActiveFlagBit)
}
