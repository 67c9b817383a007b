package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pipeflow/pipeflow/pkg/buffer"
	"github.com/pipeflow/pipeflow/pkg/rng"
	"github.com/pipeflow/pipeflow/pkg/schedule"
	"github.com/pipeflow/pipeflow/pkg/stagemodule"
	"github.com/pipeflow/pipeflow/pkg/topology"
	"github.com/pipeflow/pipeflow/pkg/transport"
)

// lossScaleCap is the hard, non-configurable bound the optimizer step
// clamps this stage's loss scale to.
const lossScaleCap = 8192.0

// Engine is the per-stage pipeline state machine.
type Engine struct {
	Stage     topology.StageContext
	Module    stagemodule.StageModule
	Transport transport.Transport
	Buffer    *buffer.Buffer
	RNG       *rng.Partitioned
	Log       *logrus.Entry
	NMB       int

	mode      Mode
	hasLoss   bool
	lossFn    stagemodule.LossFunc
	extra     map[string]any
	lossScale float64
	backend   BackendConfig
	dpGroup   []int

	genCfg      GenerationConfig
	tok         stagemodule.Tokenizer
	gen         map[int]*genState
	kv          map[int]*stagemodule.CacheData
	arena       *KVArena
	mbShape     map[int][]int
	mbCuSeqlens map[int][]int32
	mbInputIDs  map[int][]int64
}

// New constructs an Engine for one pipeline stage.
func New(stage topology.StageContext, module stagemodule.StageModule, tr transport.Transport, buf *buffer.Buffer, prng *rng.Partitioned, nMB int) (*Engine, error) {
	if nMB <= 0 {
		return nil, &ConfigError{Msg: fmt.Sprintf("n_mb must be positive, got %d", nMB)}
	}
	log := logrus.WithFields(logrus.Fields{
		"component": "engine",
		"stage":     stage.StageID(),
		"rank":      stage.GlobalRank,
	})
	return &Engine{
		Stage:     stage,
		Module:    module,
		Transport: tr,
		Buffer:    buf,
		RNG:       prng,
		Log:       log,
		NMB:       nMB,
		lossScale: 1.0,
		arena:     NewKVArena(),
	}, nil
}

// Arena exposes the engine's KV-cache arena, mainly so tests can assert
// that generate calls return every slab they acquired.
func (e *Engine) Arena() *KVArena { return e.arena }

func actTag(mb int) string     { return fmt.Sprintf("act_%d", mb) }
func gradTag(mb int) string    { return fmt.Sprintf("grad_%d", mb) }
func nextTokTag(mb int) string { return fmt.Sprintf("next_tokens_%d", mb) }
func termTag(mb int) string    { return fmt.Sprintf("terminate_%d", mb) }

// Forward runs a pure-inference schedule and returns the last stage's
// logits as one tensor per micro-batch, in order; the tensors are not
// concatenated.
func (e *Engine) Forward(ctx context.Context, in PackedInput) (*PackedOutput, error) {
	e.mode = ModeEval
	e.hasLoss = false
	e.splitMicroBatches(in)

	sched := schedule.NewInferenceSchedule(e.NMB, e.Stage.NumStages(), e.Stage.StageID())
	if err := e.execSchedule(ctx, sched, nil); err != nil {
		return nil, err
	}

	var out *PackedOutput
	if e.Stage.IsLastStage() {
		out = &PackedOutput{Logits: make([]*stagemodule.Tensor, e.NMB)}
		for mb := 0; mb < e.NMB; mb++ {
			v, err := e.Buffer.Get("pipe_output", mb, false, true)
			if err != nil {
				return nil, &PipelineError{Rank: e.Stage.GlobalRank, Cmd: "forward_gather", Err: err}
			}
			out.Logits[mb] = v.(*stagemodule.Tensor)
		}
	}
	e.postClear()
	return out, nil
}

// EvalBatch runs inference plus a loss function, without backward.
func (e *Engine) EvalBatch(ctx context.Context, in PackedInput, lossFn stagemodule.LossFunc, extra map[string]any) (*EvalResult, error) {
	e.mode = ModeEval
	e.hasLoss = true
	e.lossFn = lossFn
	e.extra = extra
	e.splitMicroBatches(in)

	sched := schedule.NewInferenceSchedule(e.NMB, e.Stage.NumStages(), e.Stage.StageID())
	if err := e.execSchedule(ctx, sched, nil); err != nil {
		return nil, err
	}
	res := e.gatherLoss()
	e.postClear()
	return res, nil
}

// TrainBatch runs the 1F1B schedule (forward, backward, reduce, step).
func (e *Engine) TrainBatch(ctx context.Context, in PackedInput, lossFn stagemodule.LossFunc, extra map[string]any) (*TrainResult, error) {
	e.mode = ModeTrain
	e.hasLoss = true
	e.lossFn = lossFn
	e.extra = extra
	e.splitMicroBatches(in)

	sched := schedule.NewTrainSchedule(e.NMB, e.Stage.NumStages(), e.Stage.StageID())
	if err := e.execSchedule(ctx, sched, nil); err != nil {
		return nil, err
	}
	evalRes := e.gatherLoss()
	e.postClear()
	return &TrainResult{Loss: evalRes.Loss, Stats: evalRes.Stats}, nil
}

// Generate runs the token-parallel generation schedule with burn-out.
func (e *Engine) Generate(ctx context.Context, in PackedInput, cfg GenerationConfig, tok stagemodule.Tokenizer) (*GenerateResult, error) {
	e.mode = ModeGenerate
	e.genCfg = cfg
	e.tok = tok
	e.splitMicroBatches(in)

	e.gen = make(map[int]*genState, e.NMB)
	e.kv = make(map[int]*stagemodule.CacheData, e.NMB)
	for mb := 0; mb < e.NMB; mb++ {
		e.gen[mb] = newGenState()
		e.kv[mb] = &stagemodule.CacheData{}
	}

	sched := schedule.NewGenerateSchedule(e.NMB, e.Stage.NumStages(), e.Stage.StageID(), cfg.MaxNewTokens)
	// Every stage checks its own per-mb terminate state, not just the last:
	// the last stage sets it directly from genstep, every other stage learns
	// it from the flag piggy-backed on RecvActivation/RecvNextTokens. Each
	// stage's own schedule keeps running its normal steps -- relaying the
	// flag onward -- until it observes terminate for every mb, at which
	// point it enters its own burn-out.
	terminateCond := func() bool {
		for mb := 0; mb < e.NMB; mb++ {
			if !e.gen[mb].terminate {
				return false
			}
		}
		return true
	}
	if err := e.execSchedule(ctx, sched, terminateCond); err != nil {
		return nil, err
	}

	res := &GenerateResult{}
	if e.Stage.IsLastStage() {
		for mb := 0; mb < e.NMB; mb++ {
			gs := e.gen[mb]
			res.GenTokens = append(res.GenTokens, gs.tokens)
			res.LogProbs = append(res.LogProbs, gs.logProbs)
			res.LogitsMask = append(res.LogitsMask, gs.lastMask)
		}
	}
	// Return every KV slab to the arena: the cache is owned by its CacheData
	// only for the lifetime of this call.
	for _, cd := range e.kv {
		e.arena.Release(cd.KCache)
		e.arena.Release(cd.VCache)
	}
	e.kv = nil
	e.gen = nil
	e.postClear()
	return res, nil
}

// execSchedule drives the state machine over one schedule.
func (e *Engine) execSchedule(ctx context.Context, sched schedule.Schedule, terminateCond func() bool) error {
	stepCount := 0
	for {
		step, ok := sched.Next()
		if !ok {
			return nil
		}
		for _, instr := range step.Instrs {
			if err := e.dispatch(ctx, instr); err != nil {
				e.Log.WithFields(logrus.Fields{
					"step_count": stepCount,
					"cmd":        instr.Kind.String(),
				}).WithError(err).Error("instruction dispatch failed")
				return &PipelineError{Rank: e.Stage.GlobalRank, StepCount: stepCount, Cmd: instr.Kind.String(), Err: err}
			}
		}
		stepCount++
		if terminateCond != nil && terminateCond() {
			return e.burnOut(ctx)
		}
	}
}

// burnOut drains the final in-flight activation wave after every micro-batch
// has flagged terminate.
//
// The terminate flag fans out from the last stage with a one-step lag: the
// last stage trips at token index t*, the first stage observes the flag on
// the next-token recv at t*+1 and relays it forward on that same index, so
// every non-last stage runs through t*+1 and then stops with nothing left in
// flight. The last stage has only consumed activations through t*, so it
// must drain exactly one more wave (one activation per micro-batch, with its
// piggy-backed flag) before exiting; no ForwardPass runs and no KV cache is
// touched during the drain.
func (e *Engine) burnOut(ctx context.Context) error {
	if !e.Stage.IsLastStage() || e.Stage.NumStages() == 1 {
		return nil
	}
	for mb := 0; mb < e.NMB; mb++ {
		if err := e.handleRecvActivation(ctx, mb); err != nil {
			return &PipelineError{Rank: e.Stage.GlobalRank, Cmd: "burnout", Err: err}
		}
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, instr schedule.Instruction) error {
	switch instr.Kind {
	case schedule.KindForwardPass:
		return e.handleForward(ctx, instr.MBID)
	case schedule.KindBackwardPass:
		return e.handleBackward(ctx, instr.MBID)
	case schedule.KindSendActivation:
		return e.handleSendActivation(ctx, instr.MBID)
	case schedule.KindRecvActivation:
		return e.handleRecvActivation(ctx, instr.MBID)
	case schedule.KindSendGrad:
		return e.handleSendGrad(ctx, instr.MBID)
	case schedule.KindRecvGrad:
		return e.handleRecvGrad(ctx, instr.MBID)
	case schedule.KindSendNextTokens:
		return e.handleSendNextTokens(ctx, instr.MBID)
	case schedule.KindRecvNextTokens:
		return e.handleRecvNextTokens(ctx, instr.MBID)
	case schedule.KindReduceGrads:
		return e.handleReduceGrads(ctx)
	case schedule.KindOptimizerStep:
		return e.handleOptimizerStep(ctx)
	case schedule.KindEndSchedule:
		return nil
	default:
		return fmt.Errorf("unknown instruction kind %v", instr.Kind)
	}
}

// postClear drops every tag the engine writes during one schedule run, so
// no state leaks between top-level calls.
func (e *Engine) postClear() {
	for _, tag := range []string{
		"mb_input", "pipe_output", "pipe_grad",
		"recv_act_buffer", "recv_act_handle",
		"recv_grad_buffer", "recv_grad_handle",
		"recv_next_tokens", "next_token_out",
		"mb_loss", "mb_stats",
	} {
		e.Buffer.Remove(tag)
	}
}

func (e *Engine) gatherLoss() *EvalResult {
	res := &EvalResult{Stats: map[string]float64{}}
	if !e.Stage.IsLastStage() {
		return res
	}
	for mb := 0; mb < e.NMB; mb++ {
		v, err := e.Buffer.Get("mb_loss", mb, false, false)
		if err != nil || v == nil {
			continue
		}
		res.Loss += v.(float64)
		statsV, _ := e.Buffer.Get("mb_stats", mb, false, false)
		if statsV != nil {
			for k, val := range statsV.(map[string]float64) {
				res.Stats[k] += val
			}
		}
	}
	return res
}
