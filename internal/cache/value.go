// Package cache holds single values that expire after a fixed time.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Value holds one cached value with a fixed time-to-live.
//
// Refresh is the single entry point for re-fetching; concurrent callers
// share the result of the refresh already in flight.
type Value[T any] struct {
	mu        sync.Mutex
	value     T
	present   bool
	fetchedAt time.Time
	ttl       time.Duration
	now       func() time.Time
	group     singleflight.Group
}

// NewValue creates an empty Value. A nil now defaults to time.Now.
func NewValue[T any](ttl time.Duration, now func() time.Time) *Value[T] {
	if now == nil {
		now = time.Now
	}
	return &Value[T]{ttl: ttl, now: now}
}

// Get returns the value if it is present and younger than the TTL.
func (v *Value[T]) Get() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.present || v.fetchedAt.IsZero() || v.now().Sub(v.fetchedAt) >= v.ttl {
		var zero T
		return zero, false
	}
	return v.value, true
}

// Peek returns the last stored value regardless of its age.
func (v *Value[T]) Peek() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value, v.present
}

// FetchedAt returns when the value was last stored.
func (v *Value[T]) FetchedAt() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fetchedAt
}

// Set stores a value and restarts its TTL.
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	v.value = value
	v.present = true
	v.fetchedAt = v.now()
	v.mu.Unlock()
}

// Invalidate expires the value but keeps it available to Peek.
func (v *Value[T]) Invalidate() {
	v.mu.Lock()
	v.fetchedAt = time.Time{}
	v.mu.Unlock()
}

// InvalidateIf expires the value when it is present and match accepts it.
// It reports whether the value was expired.
func (v *Value[T]) InvalidateIf(match func(T) bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.present || !match(v.value) {
		return false
	}
	v.fetchedAt = time.Time{}
	return true
}

// Refresh runs fetch and stores its result. While a refresh is running,
// other callers wait for it and receive the same result instead of
// starting their own. A failed fetch leaves the previous value untouched.
func (v *Value[T]) Refresh(ctx context.Context, fetch func(context.Context) (T, error)) (T, error) {
	res, err, _ := v.group.Do("refresh", func() (interface{}, error) {
		value, err := fetch(ctx)
		if err != nil {
			return value, err
		}
		v.Set(value)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// GetOrRefresh returns the fresh value, running fetch only when there is
// none. A caller that waited for another refresh, or arrives right after
// one finished, receives that result without fetching again.
func (v *Value[T]) GetOrRefresh(ctx context.Context, fetch func(context.Context) (T, error)) (T, error) {
	if value, ok := v.Get(); ok {
		return value, nil
	}
	res, err, _ := v.group.Do("refresh", func() (interface{}, error) {
		if value, ok := v.Get(); ok {
			return value, nil
		}
		value, err := fetch(ctx)
		if err != nil {
			return value, err
		}
		v.Set(value)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}
