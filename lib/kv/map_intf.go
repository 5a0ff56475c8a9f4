package kv

import (
	"errors"
	"time"
)

var (
	ErrXKvConflict     = errors.New("[x-kv] value replacement conflict retries exhausted")
	ErrXKvNotFound     = errors.New("[x-kv] key not found")
	ErrXKvInvalidRetry = errors.New("[x-kv] invalid retry policy")
)

type SafeStoreKeyFilterFunc[K comparable] func(key K) bool

func defaultAllKeysFilter[K comparable](key K) bool {
	return true
}

// RetryStrategy returns the next backoff. A non-positive duration
// stops the retries.
type RetryStrategy interface {
	Next() time.Duration
}

type ThreadSafeStorer[K comparable, V any] interface {
	// Purge removes all the items and closes the closable ones.
	Purge() error
	AddOrUpdate(key K, obj V) error
	// Replace is not atomic, the keys absent from items are removed
	// one by one then the items are added one by one.
	Replace(items map[K]V) error
	// Delete returns the removed value to the single caller whose
	// removal won. Every other caller gets ErrXKvNotFound.
	Delete(key K) (V, error)
	Get(key K) (item V, exists bool)
	ListKeys(filters ...SafeStoreKeyFilterFunc[K]) []K
	ListValues(keys ...K) (items []V)
}
