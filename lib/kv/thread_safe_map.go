package kv

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/benz9527/xmap/lib/infra"
	"github.com/benz9527/xmap/lib/list"
)

// threadSafeMap applies the retry policy the lock-free maps leave to
// their callers on a lost value CAS.
type threadSafeMap[K comparable, V any] struct {
	store list.EpochMap[K, V]
	retry func() RetryStrategy
}

type ThreadSafeMapOption[K comparable, V any] func(m *threadSafeMap[K, V])

// WithThreadSafeMapStore replaces the default concurrent list, e.g. by
// a skip list for ordered keys.
func WithThreadSafeMapStore[K comparable, V any](store list.EpochMap[K, V]) ThreadSafeMapOption[K, V] {
	return func(m *threadSafeMap[K, V]) {
		m.store = store
	}
}

// WithThreadSafeMapRetry sets the factory of the per operation retry
// strategy.
func WithThreadSafeMapRetry[K comparable, V any](retry func() RetryStrategy) ThreadSafeMapOption[K, V] {
	return func(m *threadSafeMap[K, V]) {
		m.retry = retry
	}
}

func (t *threadSafeMap[K, V]) AddOrUpdate(key K, obj V) error {
	var strategy RetryStrategy
	for {
		outcome, current := t.store.Insert(key, obj)
		if outcome != list.Conflict {
			return nil
		}
		if strategy == nil {
			strategy = t.retry()
		}
		backoff := strategy.Next()
		if backoff <= 0 {
			return infra.WrapErrorStackWithMessage(ErrXKvConflict,
				fmt.Sprintf("key %v, current value %v", key, current))
		}
		time.Sleep(backoff)
	}
}

func (t *threadSafeMap[K, V]) Replace(items map[K]V) error {
	var merr error
	for _, key := range t.ListKeys() {
		if _, exists := items[key]; exists {
			continue
		}
		if _, err := t.Delete(key); err != nil && !errors.Is(err, ErrXKvNotFound) {
			merr = multierr.Append(merr, err)
		}
	}
	for key, item := range items {
		merr = multierr.Append(merr, t.AddOrUpdate(key, item))
	}
	return merr
}

func (t *threadSafeMap[K, V]) Delete(key K) (V, error) {
	// Raced is owned as well, only the unlink is left to the walks.
	outcome, item := t.store.Evict(key)
	if outcome == list.Missing {
		return item, infra.WrapErrorStackWithMessage(ErrXKvNotFound, fmt.Sprintf("key %v", key))
	}
	return item, nil
}

func (t *threadSafeMap[K, V]) Get(key K) (item V, exists bool) {
	return t.store.Get(key)
}

func (t *threadSafeMap[K, V]) ListKeys(filters ...SafeStoreKeyFilterFunc[K]) []K {
	realFilters := lo.Filter(filters, func(filter SafeStoreKeyFilterFunc[K], _ int) bool {
		return filter != nil
	})
	if len(realFilters) == 0 {
		realFilters = append(realFilters, defaultAllKeysFilter[K])
	}

	keys := make([]K, 0, t.store.Len())
	t.store.Foreach(func(idx int64, key K, val V) bool {
		if lo.SomeBy(realFilters, func(filter SafeStoreKeyFilterFunc[K]) bool {
			return filter(key)
		}) {
			keys = append(keys, key)
		}
		return true
	})
	return keys
}

func (t *threadSafeMap[K, V]) ListValues(keys ...K) (items []V) {
	if len(keys) > 0 {
		return lo.FilterMap(keys, func(key K, _ int) (V, bool) {
			return t.store.Get(key)
		})
	}
	values := make([]V, 0, t.store.Len())
	t.store.Foreach(func(idx int64, key K, val V) bool {
		values = append(values, val)
		return true
	})
	return values
}

func (t *threadSafeMap[K, V]) Purge() error {
	var merr error
	for _, key := range t.ListKeys() {
		item, err := t.Delete(key)
		if err != nil {
			if !errors.Is(err, ErrXKvNotFound) {
				merr = multierr.Append(merr, err)
			}
			continue
		}
		// Delete hands the item to one purger only.
		if closer, ok := any(item).(io.Closer); ok && !isNilItem(item) {
			merr = multierr.Append(merr, closer.Close())
		}
	}
	return merr
}

func isNilItem(item any) bool {
	if item == nil {
		return true
	}
	v := reflect.ValueOf(item)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	default:
	}
	return false
}

func NewThreadSafeMap[K comparable, V any](opts ...ThreadSafeMapOption[K, V]) ThreadSafeStorer[K, V] {
	m := &threadSafeMap[K, V]{
		retry: DefaultExponentialBackoffRetry,
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o(m)
	}
	if m.store == nil {
		m.store = list.NewXConcList[K, V]()
	}
	return m
}
