// Package resource holds process-scoped model clients (recognizer,
// embedder) that are expensive to create and shared by every session.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Acquire after Close
var ErrClosed = errors.New("resource closed")

// InitFunc creates the underlying value on first use
type InitFunc[T any] func(ctx context.Context) (T, error)

// CloseFunc tears the underlying value down
type CloseFunc[T any] func(T) error

// Handle owns one lazily initialised value. Callers Acquire it and
// Release it when done; Close waits for outstanding references and then
// tears the value down. A failed init is retried on the next Acquire.
type Handle[T any] struct {
	name    string
	init    InitFunc[T]
	closeFn CloseFunc[T]

	mu      sync.Mutex
	value   T
	ready   bool
	closed  bool
	refs    int
	drained *sync.Cond
}

// NewHandle creates a handle. closeFn may be nil.
func NewHandle[T any](name string, init InitFunc[T], closeFn CloseFunc[T]) *Handle[T] {
	h := &Handle[T]{name: name, init: init, closeFn: closeFn}
	h.drained = sync.NewCond(&h.mu)
	return h
}

// Acquire returns the value, initialising it if needed
func (h *Handle[T]) Acquire(ctx context.Context) (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var zero T
	if h.closed {
		return zero, fmt.Errorf("%s: %w", h.name, ErrClosed)
	}

	if !h.ready {
		// Init runs under the lock so concurrent first callers share one attempt
		v, err := h.init(ctx)
		if err != nil {
			return zero, fmt.Errorf("initialize %s: %w", h.name, err)
		}
		h.value = v
		h.ready = true
	}

	h.refs++
	return h.value, nil
}

// Release drops a reference obtained from Acquire
func (h *Handle[T]) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refs > 0 {
		h.refs--
	}
	if h.refs == 0 {
		h.drained.Broadcast()
	}
}

// Refs returns the number of outstanding references
func (h *Handle[T]) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Ready reports whether the value has been initialised
func (h *Handle[T]) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// Close rejects new acquisitions, waits for every reference to be
// released and tears the value down.
func (h *Handle[T]) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	for h.refs > 0 {
		h.drained.Wait()
	}

	if !h.ready {
		return nil
	}
	h.ready = false
	if h.closeFn == nil {
		return nil
	}
	if err := h.closeFn(h.value); err != nil {
		return fmt.Errorf("close %s: %w", h.name, err)
	}
	return nil
}
