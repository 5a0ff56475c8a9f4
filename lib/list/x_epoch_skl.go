package list

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/benz9527/xmap/lib/epoch"
	"github.com/benz9527/xmap/lib/infra"
)

// References:
// https://www.cl.cam.ac.uk/teaching/0506/Algorithms/skiplists.pdf
// https://github.com/crossbeam-rs/crossbeam/tree/master/crossbeam-skiplist
// https://github.com/AdoptOpenJDK/openjdk-jdk11/blob/master/src/java.base/share/classes/java/util/concurrent/ConcurrentSkipListMap.java
//
// Head links          Tower links
// +-+    right        +-+                      +-+
// |2|---------------->| |--------------------->| |->null
// +-+                 +-+                      +-+
//  |                   |                        |
// +-+            +-+  +-+       +-+            +-+       +-+
// |1|----------->| |->| |------>| |----------->| |------>| |->null
// +-+            +-+  +-+       +-+            +-+       +-+
//  |              |    |         |              |         |
// +-+  +-+  +-+  +-+  +-+  +-+  +-+  +-+  +-+  +-+  +-+  +-+
// |0|->|A|->|B|->|C|->|D|->|E|->|F|->|G|->|H|->|I|->|J|->|K|->null
// +-+  +-+  +-+  +-+  +-+  +-+  +-+  +-+  +-+  +-+  +-+  +-+
//
// Removal tags the tower top-down, the level 0 tag is the decisive one.
// Searches unlink every tagged node they meet, level by level.
// A node is reclaimed after its last reference is dropped and the
// epoch has moved on.

const (
	xEpochSklMaxLevel     = 32 // height-1 fits in 5 bits
	xEpochSklDefaultRatio = 4
)

var (
	_ SkipListMap[uint64, struct{}] = (*xEpochSkl[uint64, struct{}])(nil)
)

type XEpochSklOption func(opts *xEpochSklOptions) error

type xEpochSklOptions struct {
	collector *epoch.Collector
	rand      SklRand
	statsName string
	maxLevel  int32
	ratio     int32
}

func WithXEpochSklMaxLevel(maxLevel int32) XEpochSklOption {
	return func(opts *xEpochSklOptions) error {
		if maxLevel <= 0 || maxLevel > xEpochSklMaxLevel {
			return infra.WrapErrorStackWithMessage(ErrXListInvalidOption,
				fmt.Sprintf("max level %d out of [1, %d]", maxLevel, xEpochSklMaxLevel))
		}
		opts.maxLevel = maxLevel
		return nil
	}
}

// WithXEpochSklRatio sets the branching, a node reaches the next level
// with probability 1/ratio.
func WithXEpochSklRatio(ratio int32) XEpochSklOption {
	return func(opts *xEpochSklOptions) error {
		if ratio < 2 {
			return infra.WrapErrorStackWithMessage(ErrXListInvalidOption,
				fmt.Sprintf("ratio %d less than 2", ratio))
		}
		opts.ratio = ratio
		return nil
	}
}

func WithXEpochSklRandLevelGen(gen SklRand) XEpochSklOption {
	return func(opts *xEpochSklOptions) error {
		if gen == nil {
			return infra.WrapErrorStackWithMessage(ErrXListInvalidOption, "nil level generator")
		}
		opts.rand = gen
		return nil
	}
}

func WithXEpochSklCollector(c *epoch.Collector) XEpochSklOption {
	return func(opts *xEpochSklOptions) error {
		opts.collector = c
		return nil
	}
}

func WithXEpochSklStats(name string) XEpochSklOption {
	return func(opts *xEpochSklOptions) error {
		opts.statsName = name
		return nil
	}
}

type xEpochSklPosition[K infra.OrderedKey, V any] struct {
	found *xEpochSklNode[K, V]
	preds [xEpochSklMaxLevel]*xLink[xEpochSklNode[K, V]]
	succs [xEpochSklMaxLevel]*xLinkRef[xEpochSklNode[K, V]]
}

type xEpochSkl[K infra.OrderedKey, V any] struct {
	head          []xLink[xEpochSklNode[K, V]]
	len           paddedCounter
	tombstones    paddedCounter
	indices       paddedCounter
	danglingReads paddedCounter
	levels        atomic.Int32 // Search start hint, never decreases.
	cmp           infra.OrderedKeyComparator[K]
	rand          SklRand
	collector     *epoch.Collector
	pool          *xEpochSklNodePool[K, V]
	poison        *V
	stats         *xListStats
	maxLevel      int32
	ratio         int32
}

func NewXEpochSkl[K infra.OrderedKey, V any](
	cmp infra.OrderedKeyComparator[K],
	opts ...XEpochSklOption,
) (SkipListMap[K, V], error) {
	if cmp == nil {
		return nil, infra.WrapErrorStackWithMessage(ErrXListInvalidOption, "nil key comparator")
	}
	options := &xEpochSklOptions{
		maxLevel: xEpochSklMaxLevel,
		ratio:    xEpochSklDefaultRatio,
		rand:     randomLevel,
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(options); err != nil {
			return nil, err
		}
	}
	if options.collector == nil {
		options.collector = epoch.NewCollector()
	}
	skl := &xEpochSkl[K, V]{
		head:      make([]xLink[xEpochSklNode[K, V]], options.maxLevel),
		cmp:       cmp,
		rand:      options.rand,
		collector: options.collector,
		pool:      newXEpochSklNodePool[K, V](options.maxLevel),
		poison:    new(V),
		maxLevel:  options.maxLevel,
		ratio:     options.ratio,
	}
	skl.levels.Store(1)
	if options.statsName != "" {
		skl.stats = newXListStats(XEpochSklStatsName, options.statsName, skl.Len, skl.Tombstones, skl.DanglingReads)
	}
	return skl, nil
}

func (skl *xEpochSkl[K, V]) Len() int64 {
	return skl.len.load()
}

func (skl *xEpochSkl[K, V]) Tombstones() int64 {
	return skl.tombstones.load()
}

func (skl *xEpochSkl[K, V]) DanglingReads() int64 {
	return skl.danglingReads.load()
}

func (skl *xEpochSkl[K, V]) IndexCount() int64 {
	return skl.indices.load()
}

func (skl *xEpochSkl[K, V]) slotOf(pred *xEpochSklNode[K, V], level int32) *xLink[xEpochSklNode[K, V]] {
	if pred == nil {
		return &skl.head[level]
	}
	return &pred.next[level]
}

func (skl *xEpochSkl[K, V]) raiseLevels(height int32) {
	for {
		cur := skl.levels.Load()
		if height <= cur || skl.levels.CompareAndSwap(cur, height) {
			return
		}
	}
}

// search fills the position of key at every level in use and unlinks
// the tagged nodes on the way. A lost unlink reloads the same
// predecessor, a removed predecessor restarts from the top.
func (skl *xEpochSkl[K, V]) search(g *epoch.Guard, key K, pos *xEpochSklPosition[K, V]) bool {
search:
	for {
		pos.found = nil
		var pred *xEpochSklNode[K, V]
		for l := skl.levels.Load() - 1; l >= 0; l-- {
			slot := skl.slotOf(pred, l)
			ref := slot.load()
			if ref.isTombstoned() {
				continue search
			}
			for curr := ref.get(); curr != nil; curr = ref.get() {
				succ := curr.next[l].load()
				if succ.isTombstoned() {
					if r, ok := skl.unlinkAt(g, slot, ref, curr, l); ok {
						skl.stats.increaseHelped()
						ref = r
						continue
					}
					if ref = slot.load(); ref.isTombstoned() {
						continue search
					}
					continue
				}
				c := skl.cmp(curr.key, key)
				if c > 0 {
					break
				}
				if c == 0 {
					if l == 0 {
						pos.found = curr
					}
					break
				}
				pred, slot, ref = curr, &curr.next[l], succ
			}
			pos.preds[l], pos.succs[l] = slot, ref
		}
		return pos.found != nil
	}
}

// seek returns the first live node whose key is greater than or equal
// to (strict: greater than) the key. Read only, tagged nodes are
// skipped instead of unlinked.
func (skl *xEpochSkl[K, V]) seek(key K, strict bool) *xEpochSklNode[K, V] {
	var pred *xEpochSklNode[K, V]
	for l := skl.levels.Load() - 1; l >= 0; l-- {
		curr := skl.slotOf(pred, l).load().get()
		for curr != nil {
			succ := curr.next[l].load()
			if succ.isTombstoned() {
				curr = succ.get()
				continue
			}
			c := skl.cmp(curr.key, key)
			if c > 0 || (c == 0 && !strict) {
				break
			}
			pred, curr = curr, succ.get()
		}
		if l == 0 {
			return curr
		}
	}
	return nil
}

func (skl *xEpochSkl[K, V]) first() *xEpochSklNode[K, V] {
	curr := skl.head[0].load().get()
	for curr != nil && curr.isRemoved() {
		curr = curr.next[0].load().get()
	}
	return curr
}

// unlinkAt swings the slot, loaded as ref, past the tagged curr at
// the level and drops the reference of that link.
func (skl *xEpochSkl[K, V]) unlinkAt(
	g *epoch.Guard,
	slot *xLink[xEpochSklNode[K, V]],
	ref *xLinkRef[xEpochSklNode[K, V]],
	curr *xEpochSklNode[K, V],
	level int32,
) (*xLinkRef[xEpochSklNode[K, V]], bool) {
	if ref.isTombstoned() || ref.get() != curr {
		return nil, false
	}
	r, ok := slot.compareAndSwap(ref, curr.next[level].load().get())
	if !ok {
		return nil, false
	}
	if level == 0 {
		skl.tombstones.add(-1)
	} else {
		skl.indices.add(-1)
	}
	skl.release(g, curr)
	return r, true
}

func (skl *xEpochSkl[K, V]) randomHeight() int32 {
	height := skl.rand(skl.maxLevel, skl.ratio, skl.len.load())
	if height < 1 {
		return 1
	} else if height > skl.maxLevel {
		return skl.maxLevel
	}
	return height
}

func (skl *xEpochSkl[K, V]) Insert(key K, val V) (InsertOutcome, V) {
	g := skl.collector.Pin()
	defer g.Unpin()

	var (
		zero V
		pos  xEpochSklPosition[K, V]
		node *xEpochSklNode[K, V]
	)
	// The searches must start at or above the height of the new node.
	height := skl.randomHeight()
	skl.raiseLevels(height)
	for {
		if skl.search(g, key, &pos) {
			if outcome, v, done := skl.update(pos.found, val); done {
				if node != nil {
					skl.pool.put(node)
				}
				skl.stats.recordInsert(outcome)
				return outcome, v
			}
			continue
		}
		if node == nil {
			node = skl.pool.get(key, val, height)
		}
		node.next[0].store(pos.succs[0].get())
		if _, ok := pos.preds[0].compareAndSwap(pos.succs[0], node); ok {
			break
		}
	}
	skl.len.add(1)
	skl.buildTower(g, node, &pos)
	// Drop the inserter reference.
	skl.release(g, node)
	skl.stats.recordInsert(Inserted)
	return Inserted, zero
}

func (skl *xEpochSkl[K, V]) update(node *xEpochSklNode[K, V], val V) (InsertOutcome, V, bool) {
	var zero V
	old := node.val.Load()
	if skl.isPoisoned(node, old) {
		return Conflict, zero, false
	}
	nv := new(V)
	*nv = val
	if node.val.CompareAndSwap(old, nv) {
		if node.isRemoved() {
			return Conflict, zero, false
		}
		return Updated, *old, true
	}
	cur := node.val.Load()
	if skl.isPoisoned(node, cur) {
		return Conflict, zero, false
	}
	return Conflict, *cur, true
}

// buildTower links the levels above 0 bottom-up. A removal racing
// with the build stops it, the final search cleans what was linked.
func (skl *xEpochSkl[K, V]) buildTower(g *epoch.Guard, node *xEpochSklNode[K, V], pos *xEpochSklPosition[K, V]) {
	height := node.height()
build:
	for l := int32(1); l < height; l++ {
		for {
			pred, succRef := pos.preds[l], pos.succs[l]
			succ := succRef.get()
			cur := node.next[l].load()
			if cur.isTombstoned() {
				break build
			}
			if cur.get() != succ {
				if _, ok := node.next[l].compareAndSwap(cur, succ); !ok {
					break build
				}
			}
			node.incRef()
			if _, ok := pred.compareAndSwap(succRef, node); ok {
				skl.indices.add(1)
				break
			}
			// The inserter reference is still held.
			node.decRef()
			if !skl.search(g, node.key, pos) || pos.found != node {
				break build
			}
		}
	}
	if node.isRemoved() {
		skl.search(g, node.key, pos)
	}
}

func (skl *xEpochSkl[K, V]) Get(key K) (V, bool) {
	g := skl.collector.Pin()
	defer g.Unpin()

	var zero V
	node := skl.seek(key, false)
	if node == nil || skl.cmp(node.key, key) != 0 {
		return zero, false
	}
	v := node.val.Load()
	if skl.isPoisoned(node, v) {
		return zero, false
	}
	return *v, true
}

func (skl *xEpochSkl[K, V]) Remove(key K) bool {
	outcome, _ := skl.Evict(key)
	return outcome == Removed
}

// Evict never reports Raced, the winner finishes the unlink of its
// tower with a cleaning search.
func (skl *xEpochSkl[K, V]) Evict(key K) (RemoveOutcome, V) {
	g := skl.collector.Pin()
	defer g.Unpin()

	var (
		zero V
		pos  xEpochSklPosition[K, V]
	)
	if !skl.search(g, key, &pos) {
		skl.stats.recordRemove(false)
		return Missing, zero
	}
	node := pos.found
	if !skl.removeNode(g, node, &pos) {
		skl.stats.recordRemove(false)
		return Missing, zero
	}
	skl.stats.recordRemove(true)
	v := node.val.Load()
	if skl.isPoisoned(node, v) {
		return Removed, zero
	}
	return Removed, *v
}

// removeNode tags the tower top-down, the goroutine tagging level 0
// wins. The winner unlinks top-down too, so a level never keeps a node
// absent from the level below.
func (skl *xEpochSkl[K, V]) removeNode(g *epoch.Guard, node *xEpochSklNode[K, V], pos *xEpochSklPosition[K, V]) bool {
	height := node.height()
	for l := height - 1; l >= 1; l-- {
		node.next[l].tombstone()
	}
	if _, won := node.next[0].tombstone(); !won {
		return false
	}
	skl.len.add(-1)
	skl.tombstones.add(1)

	raced := false
	for l := height - 1; l >= 0; l-- {
		if _, ok := skl.unlinkAt(g, pos.preds[l], pos.succs[l], node, l); !ok {
			raced = true
		}
	}
	if raced {
		skl.stats.increaseRaces()
		skl.search(g, node.key, pos)
	}
	return true
}

func (skl *xEpochSkl[K, V]) isPoisoned(node *xEpochSklNode[K, V], v *V) bool {
	if v == nil || v == skl.poison || node.flags.atomicIsSet(nodeReclaimedFlagBit) {
		skl.danglingReads.add(1)
		return true
	}
	return false
}

func (skl *xEpochSkl[K, V]) PeekHead() (K, V, bool) {
	g := skl.collector.Pin()
	defer g.Unpin()

	var (
		zeroK K
		zeroV V
	)
	for node := skl.first(); node != nil; node = skl.seek(node.key, true) {
		v := node.val.Load()
		if skl.isPoisoned(node, v) {
			continue
		}
		return node.key, *v, true
	}
	return zeroK, zeroV, false
}

func (skl *xEpochSkl[K, V]) PopHead() (K, V, bool) {
	g := skl.collector.Pin()
	defer g.Unpin()

	var (
		zeroK K
		zeroV V
		pos   xEpochSklPosition[K, V]
	)
	for {
		node := skl.first()
		if node == nil {
			return zeroK, zeroV, false
		}
		if !skl.search(g, node.key, &pos) || pos.found != node {
			continue
		}
		if !skl.removeNode(g, node, &pos) {
			continue
		}
		skl.stats.recordRemove(true)
		v := node.val.Load()
		if skl.isPoisoned(node, v) {
			return node.key, zeroV, true
		}
		return node.key, *v, true
	}
}

func (skl *xEpochSkl[K, V]) Foreach(fn func(idx int64, key K, val V) bool) {
	if fn == nil {
		return
	}
	g := skl.collector.Pin()
	defer g.Unpin()

	idx := int64(0)
	for node := skl.head[0].load().get(); node != nil; {
		next := node.next[0].load()
		if next.isTombstoned() {
			node = next.get()
			continue
		}
		v := node.val.Load()
		if !skl.isPoisoned(node, v) {
			if !fn(idx, node.key, *v) {
				return
			}
			idx++
		}
		node = next.get()
	}
}

func (skl *xEpochSkl[K, V]) ForeachLevel(level int32, fn func(key K, removed bool) bool) {
	if fn == nil || level < 0 || level >= skl.maxLevel {
		return
	}
	g := skl.collector.Pin()
	defer g.Unpin()

	for node := skl.head[level].load().get(); node != nil; node = node.next[level].load().get() {
		if !fn(node.key, node.isRemoved()) {
			return
		}
	}
}

func (skl *xEpochSkl[K, V]) Levels() int32 {
	g := skl.collector.Pin()
	defer g.Unpin()

	for l := skl.levels.Load() - 1; l > 0; l-- {
		for node := skl.head[l].load().get(); node != nil; node = node.next[l].load().get() {
			if !node.isRemoved() {
				return l + 1
			}
		}
	}
	return 1
}

func (skl *xEpochSkl[K, V]) NewIterator() SkipListIterator[K, V] {
	return &xEpochSklIter[K, V]{
		skl: skl,
	}
}

// String renders every level in use, removed nodes are suffixed by x.
func (skl *xEpochSkl[K, V]) String() string {
	builder := strings.Builder{}
	for l := skl.Levels() - 1; l >= 0; l-- {
		builder.WriteString(fmt.Sprintf("L%02d: ", l))
		skl.ForeachLevel(l, func(key K, removed bool) bool {
			if removed {
				builder.WriteString(fmt.Sprintf("%vx -> ", key))
			} else {
				builder.WriteString(fmt.Sprintf("%v -> ", key))
			}
			return true
		})
		builder.WriteString("nil\n")
	}
	return builder.String()
}
