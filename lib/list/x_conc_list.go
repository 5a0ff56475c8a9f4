package list

import (
	"fmt"
	"strings"
	"sync"

	"github.com/benz9527/xmap/lib/epoch"
)

// References:
// https://www.cl.cam.ac.uk/techreports/UCAM-CL-TR-579.pdf
// https://timharris.uk/papers/2001-disc.pdf
//
// An unordered chain, new keys are appended at the tail.
// Remove is two-phase:
//  1. logical, the active flag is flipped by the first remover only.
//  2. physical, the next slot is tombstoned (no more appends behind
//     the node) then the predecessor slot is swung past it.
//
//        pred          x            succ
//       +----+      +-----+       +----+
// head->|    |----->|  x  |--T--->|    |->nil
//       +----+      +-----+       +----+
//          \___________________________^  CAS pred.next Live(x) -> Live(succ)
//
// The goroutine whose CAS detaches the node owns its reclamation and
// defers it through the epoch guard.

var (
	_ EpochMap[string, struct{}] = (*xConcList[string, struct{}])(nil)
)

type XConcListOption func(opts *xConcListOptions)

type xConcListOptions struct {
	collector *epoch.Collector
	statsName string
	helping   bool
}

// WithXConcListCollector shares the collector between structures.
func WithXConcListCollector(c *epoch.Collector) XConcListOption {
	return func(opts *xConcListOptions) {
		opts.collector = c
	}
}

func WithXConcListStats(name string) XConcListOption {
	return func(opts *xConcListOptions) {
		opts.statsName = name
	}
}

// WithXConcListUnlinkHelping lets insert and remove walks unlink the
// tombstoned nodes they pass. Enabled by default. If disabled, only an
// append blocked by a removed tail cleans the path.
func WithXConcListUnlinkHelping(enabled bool) XConcListOption {
	return func(opts *xConcListOptions) {
		opts.helping = enabled
	}
}

type xConcList[K comparable, V any] struct {
	head          xLink[xConcListNode[K, V]]
	len           paddedCounter
	tombstones    paddedCounter
	danglingReads paddedCounter
	collector     *epoch.Collector
	pool          *sync.Pool
	poison        *V
	stats         *xListStats
	helping       bool
}

func NewXConcList[K comparable, V any](opts ...XConcListOption) EpochMap[K, V] {
	options := &xConcListOptions{
		helping: true,
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o(options)
	}
	if options.collector == nil {
		options.collector = epoch.NewCollector()
	}
	l := &xConcList[K, V]{
		collector: options.collector,
		helping:   options.helping,
		poison:    new(V),
		pool: &sync.Pool{
			New: func() any {
				return new(xConcListNode[K, V])
			},
		},
	}
	if options.statsName != "" {
		l.stats = newXListStats(XConcListStatsName, options.statsName, l.Len, l.Tombstones, l.DanglingReads)
	}
	return l
}

func (l *xConcList[K, V]) Len() int64 {
	return l.len.load()
}

func (l *xConcList[K, V]) Tombstones() int64 {
	return l.tombstones.load()
}

func (l *xConcList[K, V]) DanglingReads() int64 {
	return l.danglingReads.load()
}

func (l *xConcList[K, V]) Insert(key K, val V) (InsertOutcome, V) {
	g := l.collector.Pin()
	defer g.Unpin()

	var (
		zero  V
		fresh *xConcListNode[K, V]
		help  = l.helping
	)
restart:
	for {
		slot, owner := &l.head, (*xConcListNode[K, V])(nil)
		ref := slot.load()
		for {
			x := ref.get()
			if x == nil {
				if ref.isTombstoned() {
					// The tail was removed but not yet unlinked.
					help = true
					continue restart
				}
				if fresh == nil {
					fresh = l.newNode(key, val)
				}
				fresh.prev.Store(owner)
				if _, ok := slot.compareAndSwap(ref, fresh); ok {
					l.len.add(1)
					l.stats.recordInsert(Inserted)
					return Inserted, zero
				}
				// Retry the step from the same node.
				ref = slot.load()
				continue
			}
			next := x.next.load()
			if help && next.isTombstoned() {
				if r, ok := l.unlinkAt(g, slot, owner, ref, x); ok {
					l.stats.increaseHelped()
					ref = r
					continue
				}
				if r := slot.load(); r != ref {
					ref = r
					continue
				}
			}
			if x.key == key && x.isActive() {
				if outcome, v, done := l.update(x, val); done {
					if fresh != nil {
						l.pool.Put(fresh)
					}
					l.stats.recordInsert(outcome)
					return outcome, v
				}
			}
			slot, owner, ref = &x.next, x, next
		}
	}
}

// update CASes the value slot once. Not done means the node is not
// usable any more and the walk goes on.
func (l *xConcList[K, V]) update(x *xConcListNode[K, V], val V) (InsertOutcome, V, bool) {
	var zero V
	old := x.val.Load()
	if l.isPoisoned(x, old) {
		return Conflict, zero, false
	}
	nv := new(V)
	*nv = val
	if x.val.CompareAndSwap(old, nv) {
		if !x.isActive() {
			// Removed in the meantime, the update is lost with the node.
			return Conflict, zero, false
		}
		return Updated, *old, true
	}
	cur := x.val.Load()
	if l.isPoisoned(x, cur) {
		return Conflict, zero, false
	}
	return Conflict, *cur, true
}

func (l *xConcList[K, V]) Get(key K) (V, bool) {
	g := l.collector.Pin()
	defer g.Unpin()

	var zero V
	for x := l.head.load().get(); x != nil; x = x.next.load().get() {
		if x.key != key || !x.isActive() {
			continue
		}
		v := x.val.Load()
		if l.isPoisoned(x, v) {
			continue
		}
		return *v, true
	}
	return zero, false
}

func (l *xConcList[K, V]) Remove(key K) bool {
	outcome, _ := l.Evict(key)
	return outcome == Removed
}

func (l *xConcList[K, V]) Evict(key K) (RemoveOutcome, V) {
	g := l.collector.Pin()
	defer g.Unpin()

	var zero V
	slot, owner := &l.head, (*xConcListNode[K, V])(nil)
	ref := slot.load()
	for x := ref.get(); x != nil; x = ref.get() {
		next := x.next.load()
		if l.helping && next.isTombstoned() {
			if r, ok := l.unlinkAt(g, slot, owner, ref, x); ok {
				l.stats.increaseHelped()
				ref = r
				continue
			}
			if r := slot.load(); r != ref {
				ref = r
				continue
			}
		}
		if x.key == key && x.isActive() {
			outcome := l.removeNode(g, x)
			l.stats.recordRemove(outcome == Removed)
			if outcome == Missing {
				return Missing, zero
			}
			// x stays unreclaimed while g is pinned.
			v := x.val.Load()
			if l.isPoisoned(x, v) {
				return outcome, zero
			}
			return outcome, *v
		}
		slot, owner, ref = &x.next, x, next
	}
	l.stats.recordRemove(false)
	return Missing, zero
}

func (l *xConcList[K, V]) removeNode(g *epoch.Guard, x *xConcListNode[K, V]) RemoveOutcome {
	if !x.deactivate() {
		return Missing
	}
	l.len.add(-1)
	l.tombstones.add(1)

	// Freeze the successor. Re-read both neighbours after the logical
	// deletion, the ones seen by the walk may be stale.
	x.next.tombstone()
	pred := x.prev.Load()

	// pred and succ: CAS pred.next, then succ.prev.
	// succ only (x is head): CAS head, then succ.prev.
	// pred only (x is tail): CAS pred.next to nil.
	// neither: CAS head to nil.
	slot := &l.head
	if pred != nil {
		slot = &pred.next
	}
	if _, ok := l.unlinkAt(g, slot, pred, slot.load(), x); !ok {
		// Left to the following walks.
		l.stats.increaseRaces()
		return Raced
	}
	return Removed
}

// unlinkAt swings the slot, loaded as ref, past the tombstoned x.
// The winner repairs succ.prev on a best effort basis and owns the
// reclamation of x.
func (l *xConcList[K, V]) unlinkAt(
	g *epoch.Guard,
	slot *xLink[xConcListNode[K, V]],
	owner *xConcListNode[K, V],
	ref *xLinkRef[xConcListNode[K, V]],
	x *xConcListNode[K, V],
) (*xLinkRef[xConcListNode[K, V]], bool) {
	if ref.isTombstoned() || ref.get() != x {
		return nil, false
	}
	succ := x.next.load().get()
	r, ok := slot.compareAndSwap(ref, succ)
	if !ok {
		return nil, false
	}
	if succ != nil {
		succ.prev.CompareAndSwap(x, owner)
	}
	l.tombstones.add(-1)
	g.Defer(func() {
		l.reclaim(x)
	})
	return r, true
}

func (l *xConcList[K, V]) newNode(key K, val V) *xConcListNode[K, V] {
	v := new(V)
	*v = val
	node := l.pool.Get().(*xConcListNode[K, V])
	node.reset(key, v, nil)
	return node
}

func (l *xConcList[K, V]) reclaim(x *xConcListNode[K, V]) {
	x.val.Store(l.poison)
	x.flags.atomicSet(nodeReclaimedFlagBit)
	x.next.reset()
	x.prev.Store(nil)
	l.pool.Put(x)
}

func (l *xConcList[K, V]) isPoisoned(x *xConcListNode[K, V], v *V) bool {
	if v == nil || v == l.poison || x.flags.atomicIsSet(nodeReclaimedFlagBit) {
		l.danglingReads.add(1)
		return true
	}
	return false
}

func (l *xConcList[K, V]) Foreach(fn func(idx int64, key K, val V) bool) {
	if fn == nil {
		return
	}
	g := l.collector.Pin()
	defer g.Unpin()

	idx := int64(0)
	for x := l.head.load().get(); x != nil; x = x.next.load().get() {
		if !x.isActive() {
			continue
		}
		v := x.val.Load()
		if l.isPoisoned(x, v) {
			continue
		}
		if !fn(idx, x.key, *v) {
			return
		}
		idx++
	}
}

func (l *xConcList[K, V]) String() string {
	builder := strings.Builder{}
	l.Foreach(func(idx int64, key K, val V) bool {
		builder.WriteString(fmt.Sprintf("(%v,%v),", key, val))
		return true
	})
	return builder.String()
}
