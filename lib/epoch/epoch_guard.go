package epoch

import (
	"sync/atomic"
)

// Handle is a registered participant. It must not be used by more than
// one goroutine at the same time.
type Handle struct {
	collector *Collector
	next      *Handle       // registry link, immutable once published
	local     atomic.Uint64 // epoch<<1 | pinnedBit
	owned     atomic.Bool
	guard     Guard
	bag       []func()
	pins      uint64
	guards    uint32
	borrowed  bool
}

// Pin pins the participant into the current global epoch.
// Nested pins only increase the counter.
func (h *Handle) Pin() *Guard {
	return h.pin()
}

// IsPinned reports whether the participant is pinned.
func (h *Handle) IsPinned() bool {
	return h.local.Load()&pinnedBit != 0
}

// Release seals the pending garbage and hands the participant back to
// the idle set. The handle must not be pinned.
func (h *Handle) Release() {
	if h.guards > 0 {
		panic("[x-epoch] release a pinned handle")
	}
	h.seal()
	h.borrowed = false
	h.owned.Store(false)
}

func (h *Handle) pin() *Guard {
	h.guards++
	if h.guards == 1 {
		global := h.collector.epoch.Load()
		// Go atomics are sequentially consistent, every later link load
		// happens after the pinned epoch is published.
		h.local.Store(global<<1 | pinnedBit)
		h.pins++
		if h.pins%collectInterval == 0 {
			h.collector.tryAdvanceAndCollect()
		}
	}
	return &h.guard
}

func (h *Handle) unpin() {
	if h.guards == 0 {
		panic("[x-epoch] unpin an unpinned handle")
	}
	h.guards--
	if h.guards > 0 {
		return
	}
	h.local.Store(0)
	if h.borrowed {
		h.borrowed = false
		h.owned.Store(false)
	}
}

func (h *Handle) seal() {
	if len(h.bag) <= 0 {
		return
	}
	bag := &sealedBag{
		fns:   h.bag,
		epoch: h.collector.epoch.Load(),
	}
	h.bag = make([]func(), 0, bagCapacity)
	h.collector.pending.Add(1)
	h.collector.push(bag)
}

// Guard proves its participant is pinned. Pointers loaded while the
// guard is held stay valid until Unpin.
type Guard struct {
	h *Handle
}

func (g *Guard) Unpin() {
	if g == nil || g.h == nil {
		return
	}
	g.h.unpin()
}

// Defer schedules fn to run after every guard active at this point
// has been dropped.
func (g *Guard) Defer(fn func()) {
	if g == nil || fn == nil {
		return
	}
	h := g.h
	if h.bag == nil {
		h.bag = make([]func(), 0, bagCapacity)
	}
	h.bag = append(h.bag, fn)
	h.collector.stats.increaseRetired(1)
	if len(h.bag) >= bagCapacity {
		h.seal()
	}
}

// Flush seals the participant's garbage now and tries to collect.
func (g *Guard) Flush() {
	if g == nil {
		return
	}
	g.h.seal()
	g.h.collector.tryAdvanceAndCollect()
}

func (g *Guard) Epoch() uint64 {
	return g.h.local.Load() >> 1
}

func (g *Guard) Collector() *Collector {
	return g.h.collector
}
