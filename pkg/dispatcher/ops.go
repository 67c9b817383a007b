package dispatcher

import (
	"context"
	"fmt"

	"github.com/pipeflow/pipeflow/pkg/adapter"
	"github.com/pipeflow/pipeflow/pkg/stagemodule"
)

// DataSource is the local dataset a worker pulls batches from for the
// "fetch" operation; real dataset loaders live with the caller.
type DataSource interface {
	Next() (inputIDs []int64, ok bool)
}

// Sequence is one fetched sub-sample, tagged with the monotonic buffer
// index that identifies it for the rest of its lifetime in the dataflow.
// Fetch splits a batch into per-sequence sub-samples before they are
// stored, so downstream consumers can address individual sequences.
type Sequence struct {
	BufferIdx int
	Data      map[string]*stagemodule.Tensor
}

// dataKey identifies one stored tensor by (buffer_idx, key).
type dataKey struct {
	bufferIdx int
	key       string
}

// runOp executes the operation named by req.HandleName against data,
// returning the result to be packaged into a Response.
func (w *Worker) runOp(ctx context.Context, req Request, data any) (any, error) {
	switch req.HandleName {
	case "empty":
		return nil, nil
	case "initialize":
		spec, _ := data.(adapter.FinetuneSpec)
		w.finetuneSpec = spec
		w.initialized = true
		return nil, nil
	case "model_config":
		return w.modelConfig, nil
	case "spec":
		return w.finetuneSpec, nil
	case "fetch":
		return w.fetch()
	case "store":
		seqs, ok := data.([]Sequence)
		if !ok {
			return nil, fmt.Errorf("dispatcher: store expects []Sequence, got %T", data)
		}
		w.store(seqs)
		return nil, nil
	case "inference":
		req, ok := data.(adapter.InferenceRequest)
		if !ok {
			return nil, fmt.Errorf("dispatcher: inference expects adapter.InferenceRequest, got %T", data)
		}
		return w.Adapter.Inference(ctx, req)
	case "train_step":
		req, ok := data.(adapter.TrainStepRequest)
		if !ok {
			return nil, fmt.Errorf("dispatcher: train_step expects adapter.TrainStepRequest, got %T", data)
		}
		return w.Adapter.TrainStep(ctx, req)
	case "generate":
		req, ok := data.(adapter.GenerateRequest)
		if !ok {
			return nil, fmt.Errorf("dispatcher: generate expects adapter.GenerateRequest, got %T", data)
		}
		return w.Adapter.Generate(ctx, req)
	case "evaluate":
		req, ok := data.(EvaluateOp)
		if !ok {
			return nil, fmt.Errorf("dispatcher: evaluate expects dispatcher.EvaluateOp, got %T", data)
		}
		return w.Adapter.Evaluate(ctx, req.LossFn, req.Loader)
	case "save":
		req, ok := data.(SaveOp)
		if !ok {
			return nil, fmt.Errorf("dispatcher: save expects dispatcher.SaveOp, got %T", data)
		}
		return nil, req.Save()
	default:
		return nil, fmt.Errorf("dispatcher: unknown operation %q", req.HandleName)
	}
}

// EvaluateOp bundles Evaluate's arguments for transit through a Request's
// opaque Data field.
type EvaluateOp struct {
	LossFn stagemodule.LossFunc
	Loader adapter.DataLoader
}

// SaveOp wraps a caller-supplied save closure (the checkpoint path layout
// and dp==0 gate live in pkg/checkpoint; this keeps the dispatcher itself
// agnostic to the save target).
type SaveOp struct {
	Save func() error
}

func (w *Worker) fetch() ([]Sequence, error) {
	if w.dataset == nil {
		return nil, fmt.Errorf("dispatcher: worker %q has no dataset bound", w.Name)
	}
	ids, ok := w.dataset.Next()
	if !ok {
		return nil, nil
	}
	seqs := make([]Sequence, len(ids))
	for i, id := range ids {
		t := stagemodule.NewTensor([]int{1}, stagemodule.Int64, false)
		t.Data[0] = float64(id)
		seqs[i] = Sequence{
			BufferIdx: w.nextBufferIdx,
			Data:      map[string]*stagemodule.Tensor{"packed_input_ids": t},
		}
		w.nextBufferIdx++
	}
	return seqs, nil
}

func (w *Worker) store(seqs []Sequence) {
	for _, seq := range seqs {
		for key, t := range seq.Data {
			w.dataOwnerStorage[dataKey{seq.BufferIdx, key}] = t
		}
	}
}
