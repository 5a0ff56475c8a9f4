package list

import (
	"sync/atomic"
)

// xLinkRef is an immutable link value. The tombstone is the deletion
// tag of the node owning the slot, it is carried by the ref instead of
// the low pointer bit.
// Every store allocates a new ref, so a CAS against the loaded ref
// fails on any concurrent change, tag flips included.
type xLinkRef[N any] struct {
	node       *N
	tombstoned bool
}

func (ref *xLinkRef[N]) get() *N {
	if ref == nil {
		return nil
	}
	return ref.node
}

func (ref *xLinkRef[N]) isTombstoned() bool {
	return ref != nil && ref.tombstoned
}

// The zero xLink is Live(nil).
type xLink[N any] struct {
	ref atomic.Pointer[xLinkRef[N]]
}

func (l *xLink[N]) load() *xLinkRef[N] {
	return l.ref.Load()
}

func (l *xLink[N]) store(node *N) {
	l.ref.Store(&xLinkRef[N]{node: node})
}

func (l *xLink[N]) reset() {
	l.ref.Store(nil)
}

func (l *xLink[N]) compareAndSwap(old *xLinkRef[N], node *N) (*xLinkRef[N], bool) {
	ref := &xLinkRef[N]{node: node}
	if l.ref.CompareAndSwap(old, ref) {
		return ref, true
	}
	return nil, false
}

// tombstone tags the slot and returns the tagged ref.
// Loops only while concurrent appends or unlinks keep moving the slot.
// The bool reports whether this call set the tag.
func (l *xLink[N]) tombstone() (*xLinkRef[N], bool) {
	for {
		old := l.ref.Load()
		if old.isTombstoned() {
			return old, false
		}
		ref := &xLinkRef[N]{node: old.get(), tombstoned: true}
		if l.ref.CompareAndSwap(old, ref) {
			return ref, true
		}
	}
}
