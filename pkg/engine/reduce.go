package engine

import (
	"context"
	"fmt"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
)

// reduceBucketElems is the fixed gradient-element threshold one allreduce
// bucket accumulates before it is flushed, matching the memory-optimized
// bucket size the backend uses for gradient reduction.
const reduceBucketElems = 500_000_000

// BackendConfig carries the precision and sharding options the train
// instructions branch on. ZeRO stages 2 and 3 shard gradients/parameters
// across data-parallel ranks in a way that conflicts with pipeline
// scheduling, so combining them with more than one stage is rejected at
// configuration time.
type BackendConfig struct {
	BF16      bool
	ZeroStage int
}

// ConfigureBackend installs the backend options and the engine's
// data-parallel group (global ranks sharing this stage's parameters).
func (e *Engine) ConfigureBackend(cfg BackendConfig, dpGroup []int) error {
	if cfg.ZeroStage < 0 || cfg.ZeroStage > 3 {
		return &ConfigError{Msg: fmt.Sprintf("ZeRO stage must be in [0, 3], got %d", cfg.ZeroStage)}
	}
	if cfg.ZeroStage >= 2 && e.Stage.NumStages() > 1 {
		return &ConfigError{Msg: fmt.Sprintf("ZeRO stage %d cannot be combined with pipeline parallelism", cfg.ZeroStage)}
	}
	e.backend = cfg
	e.dpGroup = append([]int(nil), dpGroup...)
	return nil
}

// handleReduceGrads all-reduces parameter gradients across the data-parallel
// group, bucketed by a fixed element threshold. The bf16 precision path only
// works below ZeRO gradient sharding. With more than one pipeline stage,
// ZeRO stages 2 and 3 were already rejected at configuration time; on a
// single-stage engine the bf16 combination is rejected here.
func (e *Engine) handleReduceGrads(ctx context.Context) error {
	tm, ok := e.Module.(stagemodule.TrainableModule)
	if !ok {
		e.Log.Debug("reduce_grads: module exposes no trainable surface")
		return nil
	}
	if e.backend.BF16 && e.backend.ZeroStage >= 2 {
		return fmt.Errorf("bf16 gradient reduction requires ZeRO stage <= 1, got %d", e.backend.ZeroStage)
	}

	var bucket []*stagemodule.Tensor
	elems, bucketIdx := 0, 0
	flush := func() error {
		if len(bucket) == 0 {
			return nil
		}
		if err := e.allreduceBucket(ctx, bucket, bucketIdx); err != nil {
			return err
		}
		bucket, elems = bucket[:0], 0
		bucketIdx++
		return nil
	}
	for _, g := range tm.Grads() {
		bucket = append(bucket, g)
		elems += len(g.Data)
		if elems >= reduceBucketElems {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// allreduceBucket averages one bucket of gradients across the data-parallel
// group: every rank flattens its bucket, the lowest rank gathers, averages,
// and sends the result back, and each rank scatters the averaged data into
// its gradient tensors in place.
func (e *Engine) allreduceBucket(ctx context.Context, bucket []*stagemodule.Tensor, bucketIdx int) error {
	if len(e.dpGroup) <= 1 {
		return nil
	}
	self := e.Stage.GlobalRank
	root := e.dpGroup[0]
	for _, r := range e.dpGroup {
		if r < root {
			root = r
		}
	}

	total := 0
	for _, g := range bucket {
		total += len(g.Data)
	}
	flat := stagemodule.NewTensor([]int{total}, stagemodule.Float32, false)
	off := 0
	for _, g := range bucket {
		copy(flat.Data[off:], g.Data)
		off += len(g.Data)
	}

	tag := fmt.Sprintf("reduce_grads_%d", bucketIdx)
	if self == root {
		peerBuf := stagemodule.NewTensor([]int{total}, stagemodule.Float32, false)
		for _, peer := range e.dpGroup {
			if peer == root {
				continue
			}
			if _, err := e.Transport.Recv(ctx, peerBuf, peer, root, tag, false); err != nil {
				return err
			}
			for i, v := range peerBuf.Data {
				flat.Data[i] += v
			}
		}
		inv := 1.0 / float64(len(e.dpGroup))
		for i := range flat.Data {
			flat.Data[i] *= inv
		}
		for _, peer := range e.dpGroup {
			if peer == root {
				continue
			}
			if _, err := e.Transport.Send(ctx, flat, root, peer, tag+"_out", false); err != nil {
				return err
			}
		}
	} else {
		if _, err := e.Transport.Send(ctx, flat, self, root, tag, false); err != nil {
			return err
		}
		if _, err := e.Transport.Recv(ctx, flat, root, self, tag+"_out", false); err != nil {
			return err
		}
	}

	off = 0
	for _, g := range bucket {
		copy(g.Data, flat.Data[off:off+len(g.Data)])
		off += len(g.Data)
	}
	return nil
}
