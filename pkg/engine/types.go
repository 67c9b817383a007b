package engine

import (
	"fmt"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
)

// Mode is the engine's mutually exclusive operating mode.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
	ModeGenerate
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	case ModeGenerate:
		return "generate"
	default:
		return "unknown"
	}
}

// GenerationConfig controls sampling during generation.
type GenerationConfig struct {
	MinNewTokens int
	MaxNewTokens int
	Temperature  float64
	Greedy       bool
	TopP         float64
	TopK         int
	NumSamples   int
}

// DefaultGenerationConfig returns the stock greedy-decoding defaults.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MinNewTokens: 1,
		MaxNewTokens: 10,
		Temperature:  1.0,
		Greedy:       true,
		TopP:         1.0,
		TopK:         0,
		NumSamples:   1,
	}
}

// PackedInput is one packed (multi-sequence) batch, split into n_mb
// micro-batches by the engine before a schedule runs.
type PackedInput struct {
	InputIDs   []int64
	CuSeqlens  []int32 // length n_seqs+1
	MaxSeqlen  int32
}

// PackedOutput is the last stage's forward output, kept per micro-batch.
type PackedOutput struct {
	Logits []*stagemodule.Tensor // one per micro-batch, in order
}

// EvalResult is the last stage's weighted loss/stat accumulation.
type EvalResult struct {
	Loss  float64
	Stats map[string]float64
}

// TrainResult is the last stage's per-batch loss after one TrainSchedule.
type TrainResult struct {
	Loss  float64
	Stats map[string]float64
}

// GenerateResult is the last stage's per-micro-batch generation output.
type GenerateResult struct {
	GenTokens  [][]int64
	LogProbs   [][]float64
	LogitsMask [][]bool // nil entry means "no mask"
}

// genState is the per-micro-batch generation sub-state.
type genState struct {
	firstToken      bool
	kvCacheReserved bool
	generatedIdx    int
	unfinished      bool
	terminate       bool
	tokens          []int64
	logProbs        []float64
	lastMask        []bool // most recent step's logits_mask; nil means "no mask"
}

func newGenState() *genState {
	return &genState{firstToken: true, unfinished: true}
}

// ConfigError marks a fatal configuration error raised at initialization.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return "engine: config error: " + e.Msg }

// PipelineError marks a non-recoverable protocol violation: a handle
// present with no matching send, a buffer get on a missing slot, a shape
// mismatch at recv.
type PipelineError struct {
	Rank      int
	StepCount int
	Cmd       string
	Err       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("engine: protocol violation at rank=%d step=%d cmd=%s: %v", e.Rank, e.StepCount, e.Cmd, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
