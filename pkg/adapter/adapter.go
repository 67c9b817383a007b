// Package adapter translates the four high-level RPC-shaped calls --
// train_step, evaluate, inference, generate -- into pkg/engine entry
// points, and advances model version bookkeeping after every train step.
package adapter

import (
	"context"
	"fmt"
	"math"

	"github.com/pipeflow/pipeflow/pkg/engine"
	"github.com/pipeflow/pipeflow/pkg/stagemodule"
)

// ModelVersion is the bookkeeping TrainStep advances at the end of every
// call (EpochStep and GlobalStep; Epoch is not changed by TrainStep).
type ModelVersion struct {
	Epoch      int
	EpochStep  int
	GlobalStep int
}

// FinetuneSpec describes one finetuning run's shape.
type FinetuneSpec struct {
	TotalTrainEpochs    int
	TotalTrainSteps     int
	StepsPerEpoch       int
	BatchSizePerDevice  int
	MaxSeqlen           int
}

// DataLoader yields packed batches for Evaluate to iterate; NumSeqs is the
// batch's sequence count, used as Evaluate's loss weight.
type DataLoader interface {
	Next(ctx context.Context) (batch engine.PackedInput, numSeqs int, ok bool, err error)
}

// TrainStepRequest bundles a packed batch with its loss function and any
// extra keyword data the loss function needs.
type TrainStepRequest struct {
	Input  engine.PackedInput
	LossFn stagemodule.LossFunc
	Extra  map[string]any
}

type TrainStepResult struct {
	Loss float64
}

type EvaluateResult struct {
	PPL      float64
	AvgLoss  float64
	NumSeqs  int
}

type InferenceRequest struct {
	Input engine.PackedInput
}

type InferenceResult struct {
	Logits []*stagemodule.Tensor
}

type GenerateRequest struct {
	Input  engine.PackedInput
	Config engine.GenerationConfig
	Tok    stagemodule.Tokenizer
}

type GenerateResult struct {
	GenTokens  [][]int64
	LogProbs   [][]float64
	LogitsMask [][]bool
}

// Adapter is the per-model facade the dispatcher's compute operations call
// into. IsPipeline selects between the pipeline engine path and a
// single-process forward+backward+step path; this module only implements
// the pipeline path, since the non-pipeline fallback talks directly to the
// opaque training backend.
type Adapter struct {
	Engine    *engine.Engine
	IsPipeline bool
	Version   ModelVersion
}

// New wraps an already-constructed pipeline engine.
func New(eng *engine.Engine) *Adapter {
	return &Adapter{Engine: eng, IsPipeline: true}
}

// TrainStep runs one 1F1B training step and advances model version
// bookkeeping by incrementing epoch_step and global_step. It does not
// advance epoch or reset epoch_step at an epoch boundary.
func (a *Adapter) TrainStep(ctx context.Context, req TrainStepRequest) (TrainStepResult, error) {
	if !a.IsPipeline {
		return TrainStepResult{}, fmt.Errorf("adapter: non-pipeline train_step path requires a backend outside this module's scope")
	}
	res, err := a.Engine.TrainBatch(ctx, req.Input, req.LossFn, req.Extra)
	if err != nil {
		return TrainStepResult{}, err
	}
	a.Version.GlobalStep++
	a.Version.EpochStep++
	return TrainStepResult{Loss: res.Loss}, nil
}

// Evaluate iterates loader, accumulating a sequence-count-weighted average
// loss, and returns perplexity = exp(avg_loss).
func (a *Adapter) Evaluate(ctx context.Context, lossFn stagemodule.LossFunc, loader DataLoader) (EvaluateResult, error) {
	var weightedLossSum float64
	var totalSeqs int
	for {
		batch, numSeqs, ok, err := loader.Next(ctx)
		if err != nil {
			return EvaluateResult{}, fmt.Errorf("adapter: evaluate: %w", err)
		}
		if !ok {
			break
		}
		res, err := a.Engine.EvalBatch(ctx, batch, lossFn, nil)
		if err != nil {
			return EvaluateResult{}, err
		}
		weightedLossSum += res.Loss * float64(numSeqs)
		totalSeqs += numSeqs
	}
	if totalSeqs == 0 {
		return EvaluateResult{}, fmt.Errorf("adapter: evaluate: data loader produced no batches")
	}
	avg := weightedLossSum / float64(totalSeqs)
	return EvaluateResult{PPL: math.Exp(avg), AvgLoss: avg, NumSeqs: totalSeqs}, nil
}

// Inference runs forward-only and returns packed logits.
func (a *Adapter) Inference(ctx context.Context, req InferenceRequest) (InferenceResult, error) {
	out, err := a.Engine.Forward(ctx, req.Input)
	if err != nil {
		return InferenceResult{}, err
	}
	if out == nil {
		return InferenceResult{}, nil
	}
	return InferenceResult{Logits: out.Logits}, nil
}

// Generate runs engine.Generate and reshapes its per-mb output.
func (a *Adapter) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	out, err := a.Engine.Generate(ctx, req.Input, req.Config, req.Tok)
	if err != nil {
		return GenerateResult{}, err
	}
	return GenerateResult{GenTokens: out.GenTokens, LogProbs: out.LogProbs, LogitsMask: out.LogitsMask}, nil
}
