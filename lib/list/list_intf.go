package list

import (
	"errors"

	"github.com/benz9527/xmap/lib/infra"
)

var (
	ErrXListInvalidOption = errors.New("[x-list] invalid option")
)

// InsertOutcome reports how an insert took effect.
type InsertOutcome uint8

const (
	// Inserted a new node.
	Inserted InsertOutcome = iota
	// Updated the value of the live node in place.
	Updated
	// Conflict means the value CAS lost against a concurrent writer.
	// Nothing was written and the caller decides whether to retry.
	Conflict
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Conflict:
		return "conflict"
	default:
	}
	return "unknown"
}

// RemoveOutcome reports who owns a removal.
type RemoveOutcome uint8

const (
	// Missing means no live node, or another remover won the node.
	Missing RemoveOutcome = iota
	// Removed means this caller deleted the node and unlinked it.
	Removed
	// Raced means this caller deleted the node but lost the unlink.
	// The node is invisible already, its unlink is left to the
	// following traversals.
	Raced
)

func (o RemoveOutcome) String() string {
	switch o {
	case Missing:
		return "missing"
	case Removed:
		return "removed"
	case Raced:
		return "raced"
	default:
	}
	return "unknown"
}

// EpochMap is a lock-free map whose removed nodes are reclaimed
// through an epoch collector.
// Values are copied out, no caller ever holds a pointer into a node.
type EpochMap[K comparable, V any] interface {
	// Insert inserts or updates the key.
	// Updated carries the replaced value, Conflict carries the
	// competing current value.
	Insert(key K, val V) (InsertOutcome, V)
	// Get returns a copy of the value of the live node.
	Get(key K) (V, bool)
	// Remove logically deletes the live node then unlinks it.
	// False means either no live node or a structural race. In the
	// latter the node is already invisible and only the unlink is left
	// to the following traversals.
	Remove(key K) bool
	// Evict removes like Remove. Removed and Raced are returned to the
	// single caller whose logical deletion won, with the value of the
	// removed node. Every other caller gets Missing.
	Evict(key K) (RemoveOutcome, V)
	// Foreach iterates the live entries, weakly consistent.
	// Returning false stops the iteration.
	Foreach(fn func(idx int64, key K, val V) bool)
	Len() int64
	// Tombstones returns the number of logically deleted nodes
	// still linked.
	Tombstones() int64
	// DanglingReads returns how many reads have observed a reclaimed
	// node. Anything but zero is a reclamation bug.
	DanglingReads() int64
	String() string
}

type SkipListIterator[K infra.OrderedKey, V any] interface {
	Next() bool
	Key() K
	Value() V
	// Close drops the reference held on the current node.
	Close()
}

type SkipListMap[K infra.OrderedKey, V any] interface {
	EpochMap[K, V]
	// Levels returns the highest level in use.
	Levels() int32
	// IndexCount returns the number of links above level 0.
	IndexCount() int64
	PeekHead() (K, V, bool)
	PopHead() (K, V, bool)
	NewIterator() SkipListIterator[K, V]
	// ForeachLevel walks the chain of a level, logically deleted nodes
	// included.
	ForeachLevel(level int32, fn func(key K, removed bool) bool)
}
