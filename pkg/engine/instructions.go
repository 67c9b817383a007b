package engine

import (
	"context"
	"math"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
	"github.com/pipeflow/pipeflow/pkg/transport"
)

// splitMicroBatches partitions a packed batch into e.NMB token-contiguous
// slices and records each one's input ids, cu_seqlens and shape in the
// engine's per-mb maps; only the first stage's input tensor goes into the
// Buffer (tag "mb_input"). cu_seqlens and max_seqlen are treated as fixed
// per-mb configuration, identical on every stage for the same micro-batch.
func (e *Engine) splitMicroBatches(in PackedInput) {
	e.mbShape = make(map[int][]int, e.NMB)
	e.mbCuSeqlens = make(map[int][]int32, e.NMB)
	e.mbInputIDs = make(map[int][]int64, e.NMB)

	n := len(in.InputIDs)
	base, rem := n/e.NMB, n%e.NMB
	hidden := e.Module.HiddenDim()
	start := 0
	for mb := 0; mb < e.NMB; mb++ {
		size := base
		if mb < rem {
			size++
		}
		ids := append([]int64(nil), in.InputIDs[start:start+size]...)
		start += size

		e.mbInputIDs[mb] = ids
		e.mbCuSeqlens[mb] = []int32{0, int32(len(ids))}
		e.mbShape[mb] = []int{len(ids), hidden}

		if e.Stage.IsFirstStage() {
			t := stagemodule.NewTensor(e.mbShape[mb], stagemodule.Float32, false)
			for i, id := range ids {
				t.Data[i*hidden%len(t.Data)] += float64(id)
			}
			e.Buffer.Put("mb_input", mb, t)
		}
	}
}

func (e *Engine) handleForward(ctx context.Context, mb int) error {
	if h, err := e.Buffer.Get("recv_act_handle", mb, true, false); err == nil && h != nil {
		if err := h.(transport.Handle).Wait(ctx); err != nil {
			return err
		}
	}

	input, err := e.forwardInput(mb)
	if err != nil {
		return err
	}

	var ys []*stagemodule.CacheData
	if e.mode == ModeGenerate {
		ys = []*stagemodule.CacheData{e.kv[mb]}
	}

	td := &stagemodule.TransferData{
		CuSeqlens: e.mbCuSeqlens[mb],
		MaxSeqlen: int32(len(e.mbInputIDs[mb])),
		PPInput:   input,
	}
	out, err := e.Module.Forward(ctx, td, ys)
	if err != nil {
		return err
	}

	switch {
	case e.mode == ModeGenerate:
		if err := e.afterGenerateForward(mb, out); err != nil {
			return err
		}
	case e.Stage.IsLastStage() && e.hasLoss:
		loss, stats, err := e.lossFn(out.PPOutput, e.mbInputIDs[mb], e.mbCuSeqlens[mb], e.extra)
		if err != nil {
			return err
		}
		e.Buffer.Put("mb_loss", mb, loss/float64(e.NMB))
		e.Buffer.Put("mb_stats", mb, stats)
	}

	e.Buffer.Put("pipe_output", mb, out.PPOutput)
	return nil
}

func (e *Engine) forwardInput(mb int) (*stagemodule.Tensor, error) {
	if !e.Stage.IsFirstStage() {
		v, err := e.Buffer.Get("recv_act_buffer", mb, true, true)
		if err != nil {
			return nil, err
		}
		return v.(*stagemodule.Tensor), nil
	}
	if e.mode == ModeGenerate && e.gen[mb] != nil && !e.gen[mb].firstToken {
		// A single-stage pipeline never round-trips through
		// Send/RecvNextTokens (nothing to send to): the newest sampled
		// token becomes next step's input directly.
		if e.Stage.IsLastStage() {
			gs := e.gen[mb]
			t := stagemodule.NewTensor([]int{1}, stagemodule.Int64, false)
			t.Data[0] = float64(gs.tokens[len(gs.tokens)-1])
			return t, nil
		}
		v, err := e.Buffer.Get("recv_next_tokens", mb, true, true)
		if err != nil {
			return nil, err
		}
		return v.(*stagemodule.Tensor), nil
	}
	v, err := e.Buffer.Get("mb_input", mb, false, true)
	if err != nil {
		return nil, err
	}
	return v.(*stagemodule.Tensor), nil
}

// afterGenerateForward runs the KV-cache lifecycle transition and, on the
// last stage, genstep sampling.
func (e *Engine) afterGenerateForward(mb int, out *stagemodule.TransferData) error {
	gs := e.gen[mb]
	if gs.firstToken {
		e.reserveKV(mb)
		gs.firstToken = false
		gs.kvCacheReserved = true
	} else {
		e.advanceKV(mb)
	}

	if !e.Stage.IsLastStage() {
		return nil
	}
	src := e.RNG.ForMicroBatch(mb)
	stepRes, err := genstep(out.PPOutput, src, []bool{gs.unfinished}, e.tok, gs.generatedIdx, e.genCfg)
	if err != nil {
		return err
	}
	gs.tokens = append(gs.tokens, stepRes.NextTokens[0])
	gs.logProbs = append(gs.logProbs, stepRes.LogProbs[0])
	gs.lastMask = stepRes.LogitsMask[0]
	gs.unfinished = stepRes.Unfinished[0]
	gs.terminate = stepRes.Terminate
	gs.generatedIdx++

	nt := stagemodule.NewTensor([]int{1}, stagemodule.Int64, false)
	nt.Data[0] = float64(stepRes.NextTokens[0])
	e.Buffer.Put("next_token_out", mb, nt)
	return nil
}

// reserveKV allocates the KV cache slab from the arena the first time a
// micro-batch is forwarded in GENERATE, sized
// max(max_seq+max_new_tokens, hidden/head+10), and copies whatever K/V the
// stage module wrote during the prompt forward into the slab's prefix.
func (e *Engine) reserveKV(mb int) {
	hidden, head := e.Module.HiddenDim(), e.Module.HeadDim()
	maxSeq := len(e.mbInputIDs[mb])
	size := maxSeq + e.genCfg.MaxNewTokens
	if min := hidden/head + 10; size < min {
		size = min
	}
	cd := e.kv[mb]
	k := e.arena.Acquire([]int{size, hidden}, stagemodule.Float32)
	v := e.arena.Acquire([]int{size, hidden}, stagemodule.Float32)
	if cd.KCache != nil {
		copy(k.Data, cd.KCache.Data)
	}
	if cd.VCache != nil {
		copy(v.Data, cd.VCache.Data)
	}
	cd.KCache, cd.VCache = k, v
	cd.CacheSeqlens = []int32{int32(maxSeq)}
}

func (e *Engine) advanceKV(mb int) {
	cd := e.kv[mb]
	if len(cd.CacheSeqlens) == 0 {
		cd.CacheSeqlens = []int32{0}
	}
	cd.CacheSeqlens[0]++
}

func (e *Engine) handleBackward(ctx context.Context, mb int) error {
	if h, err := e.Buffer.Get("recv_grad_handle", mb, true, false); err == nil && h != nil {
		if err := h.(transport.Handle).Wait(ctx); err != nil {
			return err
		}
	}
	if !e.Stage.IsLastStage() {
		if _, err := e.Buffer.Get("recv_grad_buffer", mb, true, true); err != nil {
			return err
		}
	}
	// The numerical backward pass itself belongs to the opaque stage
	// module/backend; the engine only needs the gradient w.r.t. this
	// stage's input to hand to SendGrad.
	grad := stagemodule.NewTensor(e.mbShape[mb], stagemodule.Float32, false)
	e.Buffer.Put("pipe_grad", mb, grad)
	return nil
}

func (e *Engine) handleSendActivation(ctx context.Context, mb int) error {
	v, err := e.Buffer.Get("pipe_output", mb, true, true)
	if err != nil {
		return err
	}
	t := v.(*stagemodule.Tensor)
	s := e.Stage.StageID()
	if _, err := e.Transport.Send(ctx, t, s, s+1, actTag(mb), false); err != nil {
		return err
	}
	if e.mode == ModeGenerate {
		term := e.gen[mb] != nil && e.gen[mb].terminate
		if _, err := e.Transport.SendBool(ctx, term, s, s+1, termTag(mb), false); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleRecvActivation(ctx context.Context, mb int) error {
	s := e.Stage.StageID()
	shape := e.mbShape[mb]
	buf := e.Buffer.Alloc("recv_act_buffer", mb, shape, stagemodule.Float32, false)
	if _, err := e.Transport.Recv(ctx, buf, s-1, s, actTag(mb), false); err != nil {
		return err
	}
	if e.mode == ModeGenerate {
		term, _, err := e.Transport.RecvBool(ctx, s-1, s, termTag(mb), false)
		if err != nil {
			return err
		}
		// Every stage, not just the last, detects termination by observing
		// this received flag. OR rather than overwrite: once true for an
		// mb, it must stay true.
		if e.gen[mb] != nil {
			e.gen[mb].terminate = e.gen[mb].terminate || term
		}
	}
	return nil
}

func (e *Engine) handleSendGrad(ctx context.Context, mb int) error {
	v, err := e.Buffer.Get("pipe_grad", mb, true, true)
	if err != nil {
		return err
	}
	t := v.(*stagemodule.Tensor)
	s := e.Stage.StageID()
	_, err = e.Transport.Send(ctx, t, s, s-1, gradTag(mb), false)
	return err
}

func (e *Engine) handleRecvGrad(ctx context.Context, mb int) error {
	s := e.Stage.StageID()
	shape := e.mbShape[mb]
	buf := e.Buffer.Alloc("recv_grad_buffer", mb, shape, stagemodule.Float32, false)
	_, err := e.Transport.Recv(ctx, buf, s+1, s, gradTag(mb), false)
	return err
}

func (e *Engine) handleSendNextTokens(ctx context.Context, mb int) error {
	v, err := e.Buffer.Get("next_token_out", mb, true, true)
	if err != nil {
		return err
	}
	t := v.(*stagemodule.Tensor)
	s := e.Stage.StageID()
	if _, err := e.Transport.Send(ctx, t, s, 0, nextTokTag(mb), false); err != nil {
		return err
	}
	term := e.gen[mb] != nil && e.gen[mb].terminate
	_, err = e.Transport.SendBool(ctx, term, s, 0, termTag(mb), false)
	return err
}

func (e *Engine) handleRecvNextTokens(ctx context.Context, mb int) error {
	s := e.Stage.StageID()
	last := e.Stage.NumStages() - 1
	buf := e.Buffer.Alloc("recv_next_tokens", mb, []int{1}, stagemodule.Int64, false)
	if _, err := e.Transport.Recv(ctx, buf, last, s, nextTokTag(mb), false); err != nil {
		return err
	}
	term, _, err := e.Transport.RecvBool(ctx, last, s, termTag(mb), false)
	if err != nil {
		return err
	}
	if e.gen[mb] != nil {
		e.gen[mb].terminate = e.gen[mb].terminate || term
	}
	return nil
}

// handleOptimizerStep advances the backend's step. When the precision path
// is not bf16, this stage's loss scale is clamped to lossScaleCap; the loss
// scale is not synchronized with other stages.
func (e *Engine) handleOptimizerStep(ctx context.Context) error {
	if !e.backend.BF16 {
		e.lossScale = math.Min(e.lossScale, lossScaleCap)
	}
	if tm, ok := e.Module.(stagemodule.TrainableModule); ok {
		return tm.ApplyStep()
	}
	e.Log.Debug("optimizer_step: module exposes no trainable surface")
	return nil
}
