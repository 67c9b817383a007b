// Package resharding implements the parameter re-sharding hook: on
// request, it rebuilds one model's sharded weight tensors from another's
// under a new topology, then updates ownership flags so that only the
// newly materialized model's storage may be read or written.
package resharding

import (
	"context"
	"fmt"
	"sync"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
	"github.com/pipeflow/pipeflow/pkg/topology"
)

// ParamState records a model's parameter storage state on a given worker:
// either a materialized arena this worker may read/write, or a handle with
// no access permitted until a param-sync hook populates it.
type ParamState int

const (
	ParamHandle ParamState = iota
	ParamMaterialized
)

func (s ParamState) String() string {
	if s == ParamMaterialized {
		return "materialized"
	}
	return "handle"
}

// ErrHandleAccess is returned when code attempts to read a ParamArena still
// in the Handle state.
var ErrHandleAccess = fmt.Errorf("resharding: read of a parameter arena in Handle state")

// ParamArena is one model shard's contiguous weight storage plus its
// current ownership state.
type ParamArena struct {
	mu      sync.RWMutex
	state   ParamState
	layers  map[int]*stagemodule.Tensor // global layer index -> weight tensor
}

// NewMaterialized creates an arena already holding real parameters, the
// state replica 0 starts in at construction.
func NewMaterialized(layers map[int]*stagemodule.Tensor) *ParamArena {
	return &ParamArena{state: ParamMaterialized, layers: layers}
}

// NewHandle creates an arena with no parameters yet, the state every
// non-zero replica starts in at construction.
func NewHandle() *ParamArena {
	return &ParamArena{state: ParamHandle, layers: make(map[int]*stagemodule.Tensor)}
}

// State reports the arena's current ownership state.
func (a *ParamArena) State() ParamState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Layer returns the weight tensor for a global layer index. It is a hard
// error to call this while the arena is in the Handle state.
func (a *ParamArena) Layer(idx int) (*stagemodule.Tensor, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state != ParamMaterialized {
		return nil, ErrHandleAccess
	}
	t, ok := a.layers[idx]
	if !ok {
		return nil, fmt.Errorf("resharding: no layer %d in arena", idx)
	}
	return t, nil
}

// Hook rebuilds a destination model's weight tensors from a source model's
// current layers under a new topology.
type Hook struct{}

// Reshard moves from's materialized layers into to under toTopo, marking
// from as a Handle and to as Materialized on return. Layer assignment
// follows the destination's pipeline stage boundaries computed from
// toTopo: stage pp owns global layers [pp*layersPerStage,
// (pp+1)*layersPerStage).
func (h *Hook) Reshard(ctx context.Context, from, to *ParamArena, toShard topology.ModelShardID, toTopo topology.Grid, totalLayers int) error {
	from.mu.Lock()
	defer from.mu.Unlock()
	if from.state != ParamMaterialized {
		return fmt.Errorf("resharding: source arena is not materialized")
	}

	layersPerStage := totalLayers / toTopo.Pipeline
	if layersPerStage == 0 {
		return fmt.Errorf("resharding: %d layers does not divide %d pipeline stages", totalLayers, toTopo.Pipeline)
	}
	start := toShard.Rank.PP * layersPerStage
	stop := start + layersPerStage
	if toShard.Rank.PP == toTopo.Pipeline-1 {
		stop = totalLayers // last stage absorbs any remainder
	}

	moved := make(map[int]*stagemodule.Tensor, stop-start)
	for idx := start; idx < stop; idx++ {
		src, ok := from.layers[idx]
		if !ok {
			return fmt.Errorf("resharding: source arena missing layer %d", idx)
		}
		moved[idx] = &stagemodule.Tensor{
			Shape:       append([]int(nil), src.Shape...),
			Dtype:       src.Dtype,
			Data:        append([]float64(nil), src.Data...),
			RequireGrad: src.RequireGrad,
		}
	}

	to.mu.Lock()
	to.layers = moved
	to.state = ParamMaterialized
	to.mu.Unlock()

	from.state = ParamHandle
	from.layers = nil
	return nil
}
