package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeflow/pipeflow/pkg/buffer"
	"github.com/pipeflow/pipeflow/pkg/rng"
	"github.com/pipeflow/pipeflow/pkg/stagemodule"
	"github.com/pipeflow/pipeflow/pkg/topology"
	"github.com/pipeflow/pipeflow/pkg/transport"
)

// genDouble is a StageModule test double whose Forward always emits a
// [1, vocab] logits tensor, independent of its input shape, so generate-mode
// tests can exercise genstep without a real LM head. It records how many
// times it was forwarded and the cache_seqlens it observed on each call.
type genDouble struct {
	hidden, head, vocab int

	forwards int
	seqlens  []int32
}

func (g *genDouble) LayerRange() (int, int) { return 0, 1 }
func (g *genDouble) HiddenDim() int         { return g.hidden }
func (g *genDouble) HeadDim() int           { return g.head }

func (g *genDouble) Forward(_ context.Context, x *stagemodule.TransferData, ys []*stagemodule.CacheData) (*stagemodule.TransferData, error) {
	g.forwards++
	for _, y := range ys {
		if y == nil {
			continue
		}
		if len(y.CacheSeqlens) > 0 {
			g.seqlens = append(g.seqlens, y.CacheSeqlens[0])
		}
		if y.KCache == nil {
			y.KCache = stagemodule.NewTensor([]int{1, g.hidden}, stagemodule.Float32, false)
		}
		if y.VCache == nil {
			y.VCache = stagemodule.NewTensor([]int{1, g.hidden}, stagemodule.Float32, false)
		}
	}
	out := stagemodule.NewTensor([]int{1, g.vocab}, stagemodule.Float32, false)
	out.Data[2] = 3.0 // fixed argmax target, keeps greedy generation deterministic
	return &stagemodule.TransferData{CuSeqlens: x.CuSeqlens, MaxSeqlen: x.MaxSeqlen, PPInput: x.PPInput, PPOutput: out}, nil
}

func newStageContext(t *testing.T, nStages, stageID int) topology.StageContext {
	t.Helper()
	grid, err := topology.NewGrid(1, 1, nStages)
	require.NoError(t, err)
	return topology.StageContext{Grid: grid, GlobalRank: grid.GlobalRank(0, 0, stageID), Model: topology.ModelName{Symbolic: "m"}}
}

func newEchoEngines(t *testing.T, nStages, nMB int) []*Engine {
	t.Helper()
	tr := transport.NewInProcess()
	prng := rng.New(1)
	engines := make([]*Engine, nStages)
	for s := 0; s < nStages; s++ {
		sc := newStageContext(t, nStages, s)
		mod := &stagemodule.EchoStage{LayerStart: s, LayerStop: s + 1, Hidden: 8, HeadSz: 2}
		eng, err := New(sc, mod, tr, buffer.New(), prng, nMB)
		require.NoError(t, err)
		engines[s] = eng
	}
	return engines
}

func newGenEngines(t *testing.T, nStages, nMB int) ([]*Engine, []*genDouble) {
	t.Helper()
	tr := transport.NewInProcess()
	prng := rng.New(1)
	engines := make([]*Engine, nStages)
	modules := make([]*genDouble, nStages)
	for s := 0; s < nStages; s++ {
		sc := newStageContext(t, nStages, s)
		mod := &genDouble{hidden: 8, head: 2, vocab: 16}
		eng, err := New(sc, mod, tr, buffer.New(), prng, nMB)
		require.NoError(t, err)
		engines[s] = eng
		modules[s] = mod
	}
	return engines, modules
}

func TestEngineForwardSingleStage(t *testing.T) {
	engines := newEchoEngines(t, 1, 2)
	in := PackedInput{InputIDs: []int64{1, 2, 3, 4}, MaxSeqlen: 4}
	out, err := engines[0].Forward(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, out.Logits, 2)
}

func TestEngineForwardTwoStages(t *testing.T) {
	engines := newEchoEngines(t, 2, 2)
	in := PackedInput{InputIDs: []int64{1, 2, 3, 4}, MaxSeqlen: 4}

	done := make(chan error, 2)
	for _, eng := range engines {
		go func(e *Engine) {
			_, err := e.Forward(context.Background(), in)
			done <- err
		}(eng)
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestEngineGenerateKVCacheLifecycle(t *testing.T) {
	engines, modules := newGenEngines(t, 1, 1)
	eng := engines[0]
	cfg := DefaultGenerationConfig()
	cfg.MaxNewTokens = 3
	cfg.MinNewTokens = 1
	tok := stagemodule.SimpleTokenizer{EOS: 0, Pad: 1}

	in := PackedInput{InputIDs: []int64{5, 6, 7}, MaxSeqlen: 3}
	res, err := eng.Generate(context.Background(), in, cfg, tok)
	require.NoError(t, err)
	require.Len(t, res.GenTokens, 1)
	assert.LessOrEqual(t, len(res.GenTokens[0]), cfg.MaxNewTokens)
	for _, tokID := range res.GenTokens[0] {
		assert.Equal(t, int64(2), tokID)
	}

	// cache_seqlens advances by exactly 1 per post-reservation forward: the
	// prompt step reserves at seqlen 3, the two decode steps observe 3, 4.
	assert.Equal(t, []int32{3, 4}, modules[0].seqlens)
	// Every slab acquired during the call was returned to the arena.
	assert.Equal(t, 0, eng.Arena().Live())
}

func TestEngineGenerateBurnOutNoForwardAfterTerminate(t *testing.T) {
	const nStages, maxNewTokens = 3, 2
	engines, modules := newGenEngines(t, nStages, 1)
	cfg := DefaultGenerationConfig()
	cfg.MaxNewTokens = maxNewTokens
	tok := stagemodule.SimpleTokenizer{EOS: 0, Pad: 1}
	in := PackedInput{InputIDs: []int64{5, 6}, MaxSeqlen: 2}

	done := make(chan error, nStages)
	for _, eng := range engines {
		go func(e *Engine) {
			_, err := e.Generate(context.Background(), in, cfg, tok)
			done <- err
		}(eng)
	}
	for range engines {
		require.NoError(t, <-done)
	}

	// The last stage forwards exactly maxNewTokens times: its burn-out drain
	// receives the final in-flight activation without forwarding it or
	// touching the KV cache. Upstream stages run one extra step each while
	// the terminate flag propagates back around the ring.
	assert.Equal(t, maxNewTokens, modules[nStages-1].forwards)
	assert.Equal(t, maxNewTokens+1, modules[0].forwards)
	assert.Equal(t, maxNewTokens+1, modules[1].forwards)
	for s, eng := range engines {
		assert.Zerof(t, eng.Buffer.Len(), "stage %d buffer not clean after generate", s)
		assert.Zerof(t, eng.Arena().Live(), "stage %d retains KV slabs after generate", s)
	}
}

func TestGenerateGreedyDeterministic(t *testing.T) {
	run := func() [][]int64 {
		engines, _ := newGenEngines(t, 1, 2)
		cfg := DefaultGenerationConfig()
		cfg.MaxNewTokens = 4
		tok := stagemodule.SimpleTokenizer{EOS: 0, Pad: 1}
		in := PackedInput{InputIDs: []int64{5, 6, 7, 8}, MaxSeqlen: 4}
		res, err := engines[0].Generate(context.Background(), in, cfg, tok)
		require.NoError(t, err)
		return res.GenTokens
	}
	assert.Equal(t, run(), run())
}

func TestEngineBufferCleanAfterForward(t *testing.T) {
	engines := newEchoEngines(t, 1, 2)
	in := PackedInput{InputIDs: []int64{1, 2, 3, 4}, MaxSeqlen: 4}
	_, err := engines[0].Forward(context.Background(), in)
	require.NoError(t, err)
	assert.Zero(t, engines[0].Buffer.Len())
}

// trainDouble layers a trainable surface over EchoStage so ReduceGrads and
// OptimizerStep exercise the full data-parallel path.
type trainDouble struct {
	stagemodule.EchoStage
	grads []*stagemodule.Tensor
	steps int
}

func (d *trainDouble) Grads() []*stagemodule.Tensor { return d.grads }
func (d *trainDouble) ApplyStep() error             { d.steps++; return nil }

func flatLossFn(output *stagemodule.Tensor, _ []int64, _ []int32, _ map[string]any) (float64, map[string]float64, error) {
	return 1.0, nil, nil
}

func TestReduceGradsAveragesAcrossDataParallelGroup(t *testing.T) {
	grid, err := topology.NewGrid(2, 1, 1)
	require.NoError(t, err)
	tr := transport.NewInProcess()

	mk := func(dp int, vals []float64) (*Engine, *trainDouble) {
		sc := topology.StageContext{Grid: grid, GlobalRank: grid.GlobalRank(dp, 0, 0), Model: topology.ModelName{Symbolic: "m"}}
		g := stagemodule.NewTensor([]int{len(vals)}, stagemodule.Float32, false)
		copy(g.Data, vals)
		mod := &trainDouble{
			EchoStage: stagemodule.EchoStage{LayerStart: 0, LayerStop: 1, Hidden: 4, HeadSz: 2},
			grads:     []*stagemodule.Tensor{g},
		}
		eng, err := New(sc, mod, tr, buffer.New(), rng.New(1), 2)
		require.NoError(t, err)
		require.NoError(t, eng.ConfigureBackend(BackendConfig{}, []int{0, 1}))
		return eng, mod
	}
	e0, m0 := mk(0, []float64{1, 2, 3})
	e1, m1 := mk(1, []float64{3, 4, 5})

	in := PackedInput{InputIDs: []int64{1, 2, 3, 4}, MaxSeqlen: 4}
	done := make(chan error, 2)
	for _, e := range []*Engine{e0, e1} {
		go func(e *Engine) {
			_, err := e.TrainBatch(context.Background(), in, flatLossFn, nil)
			done <- err
		}(e)
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	for _, m := range []*trainDouble{m0, m1} {
		assert.Equal(t, []float64{2, 3, 4}, m.grads[0].Data)
		assert.Equal(t, 1, m.steps)
	}
}

func TestConfigureBackendRejectsZeroShardingWithPipeline(t *testing.T) {
	engines := newEchoEngines(t, 2, 2)
	err := engines[0].ConfigureBackend(BackendConfig{ZeroStage: 2}, nil)
	require.Error(t, err)
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestGenstepGreedyDeterministic(t *testing.T) {
	tok := stagemodule.SimpleTokenizer{EOS: 0, Pad: 1}
	logits := stagemodule.NewTensor([]int{1, 10}, stagemodule.Float32, false)
	logits.Data[3] = 5.0
	cfg := DefaultGenerationConfig()
	cfg.MinNewTokens = 1

	res, err := genstep(logits, nil, []bool{true}, tok, 5, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.NextTokens[0])
	assert.True(t, res.Unfinished[0])
	assert.Nil(t, res.LogitsMask[0])
}

func TestGenstepEOSMaskedBeforeMinNewTokens(t *testing.T) {
	tok := stagemodule.SimpleTokenizer{EOS: 1, Pad: 2}
	logits := stagemodule.NewTensor([]int{1, 10}, stagemodule.Float32, false)
	logits.Data[1] = 100.0 // EOS would win if not masked
	logits.Data[4] = 1.0
	cfg := DefaultGenerationConfig()
	cfg.MinNewTokens = 3

	res, err := genstep(logits, nil, []bool{true}, tok, 0, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, int64(1), res.NextTokens[0])
	require.NotNil(t, res.LogitsMask[0])
	assert.False(t, res.LogitsMask[0][1])
}

func TestGenstepFinishedRowEmitsPad(t *testing.T) {
	tok := stagemodule.SimpleTokenizer{EOS: 1, Pad: 2}
	logits := stagemodule.NewTensor([]int{1, 10}, stagemodule.Float32, false)
	cfg := DefaultGenerationConfig()

	res, err := genstep(logits, nil, []bool{false}, tok, 5, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.NextTokens[0])
	assert.False(t, res.Unfinished[0])
}

func TestGenstepTerminatesAtMaxNewTokens(t *testing.T) {
	tok := stagemodule.SimpleTokenizer{EOS: 1, Pad: 2}
	logits := stagemodule.NewTensor([]int{1, 10}, stagemodule.Float32, false)
	cfg := DefaultGenerationConfig()
	cfg.MaxNewTokens = 4

	res, err := genstep(logits, nil, []bool{true}, tok, 3, cfg)
	require.NoError(t, err)
	assert.True(t, res.Terminate)
}
