package epoch

// References:
// https://www.cl.cam.ac.uk/techreports/UCAM-CL-TR-579.pdf
// https://github.com/crossbeam-rs/crossbeam/tree/master/crossbeam-epoch
//
// The global epoch only advances when every pinned participant has
// observed the current one. A bag sealed at epoch e is reclaimed only
// after the global epoch reaches e+2:
//
//  sealed at e    advance e->e+1         advance e+1->e+2        reclaim
//  ---+-----------------+------------------------+------------------+-->
//     | pinned at <= e  | pinned at <= e+1 only  | nobody at <= e   |
//
// Go is garbage collected, so nothing here frees memory by itself. The
// deferred closures recycle nodes into pools, and recycling a node that
// is still reachable by a stale traversal is the use-after-free of a
// garbage collected language.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"unsafe"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

const (
	pinnedBit       = 0x1
	bagCapacity     = 64
	collectInterval = 128
)

const cacheLinePadSize = unsafe.Sizeof(cpu.CacheLinePad{})

var (
	ErrEpochDeferPanic = errors.New("[x-epoch] deferred function panic")
)

// PanicLogger is the logging surface the collector needs.
// The xlog.XLogger satisfies it.
type PanicLogger interface {
	Error(err error, msg string, fields ...zap.Field)
}

type sealedBag struct {
	next  *sealedBag
	fns   []func()
	epoch uint64
}

// Collector owns the global epoch, the participants registry and
// the sealed garbage bags.
type Collector struct {
	_            [cacheLinePadSize - unsafe.Sizeof(uint64(0))]byte
	epoch        atomic.Uint64 // hot, read by every pin
	_            [cacheLinePadSize - unsafe.Sizeof(uint64(0))]byte
	handles      atomic.Pointer[Handle]    // append-only registry
	garbage      atomic.Pointer[sealedBag] // drained by swapping to nil
	pending      atomic.Int64              // sealed bags not reclaimed yet
	participants atomic.Int64
	logger       PanicLogger
	pool         *ants.Pool
	stats        *collectorStats
}

func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o(c)
	}
	return c
}

// Epoch returns the global epoch.
func (c *Collector) Epoch() uint64 {
	return c.epoch.Load()
}

// Pending returns the number of sealed bags waiting for reclamation.
func (c *Collector) Pending() int64 {
	return c.pending.Load()
}

func (c *Collector) Participants() int64 {
	return c.participants.Load()
}

// Register adds a participant exclusively owned by the caller.
// Release it to return it to the idle set.
func (c *Collector) Register() *Handle {
	h := &Handle{collector: c}
	h.guard.h = h
	h.owned.Store(true)
	for {
		head := c.handles.Load()
		h.next = head
		if c.handles.CompareAndSwap(head, h) {
			break
		}
	}
	c.participants.Add(1)
	return h
}

// Pin borrows an idle participant, or registers a new one, and pins it.
// The participant goes back to the idle set when the guard is unpinned.
func (c *Collector) Pin() *Guard {
	for h := c.handles.Load(); h != nil; h = h.next {
		if !h.owned.Load() && h.owned.CompareAndSwap(false, true) {
			h.borrowed = true
			return h.pin()
		}
	}
	h := c.Register()
	h.borrowed = true
	return h.pin()
}

// TryAdvance moves the global epoch forward iff every pinned
// participant has observed the current epoch.
func (c *Collector) TryAdvance() bool {
	global := c.epoch.Load()
	for h := c.handles.Load(); h != nil; h = h.next {
		local := h.local.Load()
		if local&pinnedBit != 0 && local>>1 != global {
			return false
		}
	}
	if !c.epoch.CompareAndSwap(global, global+1) {
		return false
	}
	c.stats.increaseAdvances()
	return true
}

// Collect runs the expired bags and returns the number of them.
func (c *Collector) Collect() int {
	head := c.garbage.Swap(nil)
	if head == nil {
		return 0
	}
	global := c.epoch.Load()
	expired := 0
	for bag := head; bag != nil; {
		next := bag.next
		if bag.epoch+2 <= global {
			bag.next = nil
			c.reclaim(bag)
			expired++
		} else {
			c.push(bag)
		}
		bag = next
	}
	return expired
}

// Drain flushes the idle participants' bags then advances and collects
// until nothing is pending. Pinned participants hold it back, so it is
// bounded by ctx.
func (c *Collector) Drain(ctx context.Context) (int64, error) {
	for h := c.handles.Load(); h != nil; h = h.next {
		if h.owned.CompareAndSwap(false, true) {
			h.seal()
			h.owned.Store(false)
		}
	}
	for {
		if pending := c.pending.Load(); pending <= 0 {
			return 0, nil
		}
		c.TryAdvance()
		c.Collect()
		select {
		case <-ctx.Done():
			return c.pending.Load(), ctx.Err()
		default:
			runtime.Gosched()
		}
	}
}

func (c *Collector) tryAdvanceAndCollect() {
	c.TryAdvance()
	c.Collect()
}

func (c *Collector) push(bag *sealedBag) {
	for {
		head := c.garbage.Load()
		bag.next = head
		if c.garbage.CompareAndSwap(head, bag) {
			return
		}
	}
}

func (c *Collector) reclaim(bag *sealedBag) {
	if c.pool != nil {
		if err := c.pool.Submit(func() {
			c.runBag(bag)
		}); err == nil {
			return
		}
	}
	c.runBag(bag)
}

func (c *Collector) runBag(bag *sealedBag) {
	for i := range bag.fns {
		c.runSafely(bag.fns[i])
		bag.fns[i] = nil
	}
	c.stats.increaseReclaimed(int64(len(bag.fns)))
	c.pending.Add(-1)
}

func (c *Collector) runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrEpochDeferPanic, r)
			if c.logger != nil {
				c.logger.Error(err, "[x-epoch] reclaim recovered", zap.ByteString("stack", debug.Stack()))
				return
			}
			slog.Error("[x-epoch] reclaim recovered", "error", err, "stack", debug.Stack())
		}
	}()
	fn()
}
