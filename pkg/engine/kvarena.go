package engine

import (
	"sync"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
)

// KVArena is the process-wide re-usable memory buffer KV-cache slabs are
// drawn from: tensors acquired here are logically owned by their CacheData
// for the lifetime of one generate call and must be returned afterwards.
// Slabs are recycled by element count, so repeated generate calls with the
// same shapes reuse storage instead of reallocating.
//
// The mutex guards against the device-utilization sampler goroutine;
// micro-batch slots never race by construction.
type KVArena struct {
	mu       sync.Mutex
	free     map[int][]*stagemodule.Tensor
	acquired int
	released int
}

// NewKVArena creates an empty arena.
func NewKVArena() *KVArena {
	return &KVArena{free: make(map[int][]*stagemodule.Tensor)}
}

// Acquire returns a zeroed tensor of the given shape/dtype, reusing a
// previously released slab of the same element count when one is available.
func (a *KVArena) Acquire(shape []int, dtype stagemodule.DType) *stagemodule.Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acquired++
	if slabs := a.free[n]; len(slabs) > 0 {
		t := slabs[len(slabs)-1]
		a.free[n] = slabs[:len(slabs)-1]
		t.Shape = append(t.Shape[:0], shape...)
		t.Dtype = dtype
		for i := range t.Data {
			t.Data[i] = 0
		}
		return t
	}
	return stagemodule.NewTensor(shape, dtype, false)
}

// Release returns a slab to the arena for reuse.
func (a *KVArena) Release(t *stagemodule.Tensor) {
	if t == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released++
	n := len(t.Data)
	a.free[n] = append(a.free[n], t)
}

// Live reports the number of slabs acquired but not yet released; tests use
// it to assert that no KV slot is retained after a generate call completes.
func (a *KVArena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquired - a.released
}
