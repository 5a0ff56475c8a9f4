package list

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

const (
	nodeActiveFlagBit = 1 << iota
	nodeReclaimedFlagBit
)

// Store the concurrent state.
type flagBits struct {
	bits uint32
}

// Bit flag set from 0 to 1.
func (f *flagBits) atomicSet(bits uint32) {
	for {
		old := atomic.LoadUint32(&f.bits)
		if old&bits != bits {
			n := old | bits
			if atomic.CompareAndSwapUint32(&f.bits, old, n) {
				return
			}
			continue
		}
		return
	}
}

// atomicTryUnset flips the bit from 1 to 0. Only one caller observes
// true for a set bit.
func (f *flagBits) atomicTryUnset(bit uint32) bool {
	for {
		old := atomic.LoadUint32(&f.bits)
		if old&bit == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&f.bits, old, old&^bit) {
			return true
		}
	}
}

func (f *flagBits) atomicIsSet(bit uint32) bool {
	return (atomic.LoadUint32(&f.bits) & bit) != 0
}

// Unpublished nodes only.
func (f *flagBits) setAs(bits uint32) {
	atomic.StoreUint32(&f.bits, bits)
}

const cacheLinePadSize = unsafe.Sizeof(cpu.CacheLinePad{})

// paddedCounter occupies a whole cache line. Every writer of the
// structure hits these counters, avoid them sharing a line with the
// head links.
type paddedCounter struct {
	_   [cacheLinePadSize - unsafe.Sizeof(*new(int64))]byte
	val atomic.Int64
	_   [cacheLinePadSize - unsafe.Sizeof(*new(int64))]byte
}

func (c *paddedCounter) add(delta int64) int64 {
	return c.val.Add(delta)
}

func (c *paddedCounter) load() int64 {
	return c.val.Load()
}
