// Package handle provides reference-counted ownership of engine resources.
//
// A Handle owns one resource value. Owners call Retain and Release; the last
// Release runs the release function exactly once. Borrow pins the resource for
// the duration of a call, so a release requested while a borrow is active
// (including from a callback re-entered through the borrowed call) is deferred
// until the outermost borrow returns.
package handle

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// ErrReleased indicates an operation on a handle whose last owning
// reference has already been dropped.
var ErrReleased = errors.New("handle released")

// Handle is an owning reference to a resource of type T.
type Handle[T any] struct {
	arena *Arena
	kind  string
	id    uint64

	mu       sync.Mutex
	value    T
	refs     int
	borrows  int
	released bool
	release  func(T)
}

// Acquire constructs a resource through ctor and wraps it in a handle with one
// owning reference. A constructor error, a panic, or a nil result surfaces as
// an AllocationError, so a returned handle never wraps a nil resource.
func Acquire[T any](a *Arena, kind string, ctor func() (T, error), release func(T)) (h *Handle[T], err error) {
	if a == nil {
		a = Default()
	}

	defer func() {
		if r := recover(); r != nil {
			h = nil
			err = sslerr.NewAllocationError(kind, fmt.Errorf("constructor panicked: %v", r))
		}
	}()

	value, cerr := ctor()
	if cerr != nil {
		return nil, sslerr.NewAllocationError(kind, cerr)
	}
	if isNil(value) {
		return nil, sslerr.NewAllocationError(kind, nil)
	}

	h = &Handle[T]{
		arena:   a,
		kind:    kind,
		id:      a.nextID.Add(1),
		value:   value,
		refs:    1,
		release: release,
	}
	a.track(kind)

	return h, nil
}

// Wrap places an already constructed value under a handle.
func Wrap[T any](a *Arena, kind string, value T, release func(T)) (*Handle[T], error) {
	return Acquire(a, kind, func() (T, error) { return value, nil }, release)
}

// Kind returns the resource kind the handle was acquired with.
func (h *Handle[T]) Kind() string {
	return h.kind
}

// ID returns the arena-unique identifier of the handle.
func (h *Handle[T]) ID() uint64 {
	return h.id
}

// Retain adds an owning reference.
func (h *Handle[T]) Retain() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refs == 0 {
		return ErrReleased
	}
	h.refs++
	return nil
}

// Release drops an owning reference. Dropping the last reference releases the
// resource unless a borrow is in progress, in which case the release runs when
// the borrow ends. Releasing more times than retained returns ErrReleased.
func (h *Handle[T]) Release() error {
	h.mu.Lock()
	if h.refs == 0 {
		h.mu.Unlock()
		return ErrReleased
	}
	h.refs--
	h.finalizeLocked()
	return nil
}

// Borrow runs fn with the resource pinned. fn may re-enter code that retains
// or releases the same handle.
func (h *Handle[T]) Borrow(fn func(T) error) error {
	h.mu.Lock()
	if h.refs == 0 {
		h.mu.Unlock()
		return ErrReleased
	}
	h.borrows++
	value := h.value
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.borrows--
		h.finalizeLocked()
	}()

	return fn(value)
}

// Refs returns the number of owning references.
func (h *Handle[T]) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Borrowed reports whether a borrow is in progress.
func (h *Handle[T]) Borrowed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.borrows > 0
}

// Released reports whether the resource has been released.
func (h *Handle[T]) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// finalizeLocked releases the resource when no owner or borrower remains.
// It must be called with h.mu held and unlocks it.
func (h *Handle[T]) finalizeLocked() {
	if h.refs > 0 || h.borrows > 0 || h.released {
		h.mu.Unlock()
		return
	}

	h.released = true
	value := h.value
	var zero T
	h.value = zero
	release := h.release
	h.mu.Unlock()

	if release != nil {
		release(value)
	}
	h.arena.untrack(h.kind)
}

// isNil reports whether v is a nil interface or a nil pointer-like value.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
