// Package buffer implements the per-step tensor scratchpad: a mapping from
// (tag, micro-batch slot) to a tensor, metadata record, or
// async-communication handle, scoped to the lifetime of one top-level
// engine call and cleared when that call completes.
package buffer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
)

// ErrMissingEntry is returned by Get when raiseIfMissing is true and no
// value is stored for (tag, slot).
var ErrMissingEntry = errors.New("buffer: no entry for tag/slot")

type key struct {
	tag  string
	slot int
}

// Buffer is the keyed scratchpad. Zero value is not usable; use New.
//
// Thread-safety: guarded by a mutex because the device-utilization sampler
// goroutine may read alongside the single compute goroutine; within a
// worker's own instruction dispatch there is no concurrent access.
type Buffer struct {
	mu      sync.Mutex
	entries map[key]any
}

// New creates an empty Buffer.
func New() *Buffer {
	return &Buffer{entries: make(map[key]any)}
}

// Put inserts a value at (tag, slot), overwriting any existing entry.
func (b *Buffer) Put(tag string, slot int, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key{tag, slot}] = value
}

// Get fetches the value at (tag, slot). If remove is true the entry is also
// deleted. If raiseIfMissing is true and the entry is absent, Get returns
// ErrMissingEntry; otherwise a missing entry yields (nil, nil).
func (b *Buffer) Get(tag string, slot int, remove, raiseIfMissing bool) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key{tag, slot}
	v, ok := b.entries[k]
	if !ok {
		if raiseIfMissing {
			return nil, fmt.Errorf("%w: tag=%q slot=%d", ErrMissingEntry, tag, slot)
		}
		return nil, nil
	}
	if remove {
		delete(b.entries, k)
	}
	return v, nil
}

// Alloc creates a zeroed tensor of the given shape/dtype, stores it at
// (tag, slot), and returns it. Used by RecvActivation/RecvGrad handlers to
// allocate receive buffers before posting the matching recv.
func (b *Buffer) Alloc(tag string, slot int, shape []int, dtype stagemodule.DType, requireGrad bool) *stagemodule.Tensor {
	t := stagemodule.NewTensor(shape, dtype, requireGrad)
	b.Put(tag, slot, t)
	return t
}

// Has reports whether an entry exists at (tag, slot) without consuming it.
func (b *Buffer) Has(tag string, slot int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[key{tag, slot}]
	return ok
}

// Remove bulk-drops every slot stored under tag; the engine calls it for
// each tag it wrote once a top-level call finishes.
func (b *Buffer) Remove(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.entries {
		if k.tag == tag {
			delete(b.entries, k)
		}
	}
}

// HasTag reports whether any slot remains under tag, mainly for tests
// asserting the buffer is clean between top-level calls.
func (b *Buffer) HasTag(tag string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.entries {
		if k.tag == tag {
			return true
		}
	}
	return false
}

// Len reports the total number of live entries, mainly for tests.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
