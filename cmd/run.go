package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pipeflow/pipeflow/internal/config"
	"github.com/pipeflow/pipeflow/pkg/adapter"
	"github.com/pipeflow/pipeflow/pkg/buffer"
	"github.com/pipeflow/pipeflow/pkg/engine"
	"github.com/pipeflow/pipeflow/pkg/rng"
	"github.com/pipeflow/pipeflow/pkg/stagemodule"
	"github.com/pipeflow/pipeflow/pkg/topology"
	"github.com/pipeflow/pipeflow/pkg/transport"
)

var (
	runConfigPath string
	runStages     int
	runMicroBatch int
	runKind       string
	runHidden     int
	runHeads      int
	runLayers     int
	runPromptLen  int
	runSeed       int64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a single in-memory pipeline across all stages concurrently",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRunConfig()
		if err != nil {
			return err
		}
		return runPipeline(cfg)
	},
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "Path to a YAML RunConfig (when set, it replaces --stages, --micro-batches and --kind)")
	runCmd.Flags().IntVar(&runStages, "stages", 2, "Pipeline-parallel stage count")
	runCmd.Flags().IntVar(&runMicroBatch, "micro-batches", 0, "Micro-batch count (defaults to 2*stages)")
	runCmd.Flags().StringVar(&runKind, "kind", "inference", "Schedule kind: inference, train, or generate")
	runCmd.Flags().IntVar(&runHidden, "hidden", 16, "Hidden dimension of the demo stage module")
	runCmd.Flags().IntVar(&runHeads, "heads", 4, "Head dimension of the demo stage module")
	runCmd.Flags().IntVar(&runLayers, "layers", 8, "Total transformer layer count, split evenly across stages")
	runCmd.Flags().IntVar(&runPromptLen, "prompt-len", 12, "Token count of the synthetic demo prompt")
	runCmd.Flags().Int64Var(&runSeed, "seed", 1, "Deterministic RNG seed")
}

func loadRunConfig() (config.RunConfig, error) {
	if runConfigPath != "" {
		return config.Load(runConfigPath)
	}
	cfg := config.RunConfig{
		Topology: config.TopologyConfig{Data: 1, Tensor: 1, Pipeline: runStages},
		Schedule: config.ScheduleConfig{NumMicroBatches: runMicroBatch, Kind: runKind},
	}
	if cfg.Schedule.NumMicroBatches == 0 {
		cfg.Schedule.NumMicroBatches = 2 * cfg.Topology.Pipeline
	}
	return cfg, cfg.Validate()
}

// stageResult carries one stage's outcome back to the driver goroutine for
// logging; only the last stage's fields are populated for most kinds.
type stageResult struct {
	stage int
	loss  float64
	err   error
}

// runPipeline builds one Engine per pipeline stage sharing a single
// in-process Transport, runs every stage's schedule concurrently (stage N's
// recv blocks on stage N-1's send, exactly as the real multi-process
// deployment would), and logs the result gathered on the last stage.
func runPipeline(cfg config.RunConfig) error {
	grid, err := topology.NewGrid(cfg.Topology.Data, cfg.Topology.Tensor, cfg.Topology.Pipeline)
	if err != nil {
		return fmt.Errorf("cmd: %w", err)
	}
	nStages := grid.Pipeline
	layersPerStage := runLayers / nStages
	if layersPerStage == 0 {
		layersPerStage = 1
	}

	tr := transport.NewInProcess()
	input := syntheticInput(runPromptLen)
	tok := stagemodule.SimpleTokenizer{EOS: -1, Pad: -2}

	results := make(chan stageResult, nStages)
	var wg sync.WaitGroup
	wg.Add(nStages)
	for pp := 0; pp < nStages; pp++ {
		go func(pp int) {
			defer wg.Done()
			results <- runStage(grid, pp, layersPerStage, tr, input, cfg, tok)
		}(pp)
	}
	wg.Wait()
	close(results)

	var firstErr error
	for r := range results {
		if r.err != nil {
			logrus.WithField("stage", r.stage).WithError(r.err).Error("stage failed")
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		logrus.WithFields(logrus.Fields{"stage": r.stage, "loss": r.loss}).Info("stage complete")
	}
	return firstErr
}

func runStage(grid topology.Grid, pp, layersPerStage int, tr transport.Transport, input engine.PackedInput, cfg config.RunConfig, tok stagemodule.Tokenizer) stageResult {
	stage := topology.StageContext{
		Grid:       grid,
		GlobalRank: grid.GlobalRank(0, 0, pp),
		Model:      topology.ModelName{Symbolic: "demo", Replica: 0},
	}
	module := &stagemodule.EchoStage{
		LayerStart: pp * layersPerStage,
		LayerStop:  (pp + 1) * layersPerStage,
		Hidden:     runHidden,
		HeadSz:     runHeads,
	}
	buf := buffer.New()
	prng := rng.New(rng.Key(runSeed))

	eng, err := engine.New(stage, module, tr, buf, prng, cfg.Schedule.NumMicroBatches)
	if err != nil {
		return stageResult{stage: pp, err: err}
	}
	backend := engine.BackendConfig{BF16: cfg.Backend.BF16, ZeroStage: cfg.Backend.ZeroStage}
	if err := eng.ConfigureBackend(backend, grid.DataParallelGroup(0, pp)); err != nil {
		return stageResult{stage: pp, err: err}
	}
	a := adapter.New(eng)
	ctx := context.Background()

	switch cfg.Schedule.Kind {
	case "train":
		res, err := a.TrainStep(ctx, adapter.TrainStepRequest{Input: input, LossFn: demoLossFn})
		if err != nil {
			return stageResult{stage: pp, err: err}
		}
		return stageResult{stage: pp, loss: res.Loss}
	case "generate":
		genCfg := engine.DefaultGenerationConfig()
		genCfg.MaxNewTokens = cfg.Generation.MaxNewTokens
		if genCfg.MaxNewTokens == 0 {
			genCfg.MaxNewTokens = 4
		}
		_, err := a.Generate(ctx, adapter.GenerateRequest{Input: input, Config: genCfg, Tok: tok})
		if err != nil {
			return stageResult{stage: pp, err: err}
		}
		return stageResult{stage: pp}
	default:
		res, err := a.Inference(ctx, adapter.InferenceRequest{Input: input})
		if err != nil {
			return stageResult{stage: pp, err: err}
		}
		return stageResult{stage: pp, loss: float64(len(res.Logits))}
	}
}

func syntheticInput(n int) engine.PackedInput {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i % 97)
	}
	return engine.PackedInput{InputIDs: ids, CuSeqlens: []int32{0, int32(n)}, MaxSeqlen: int32(n)}
}

// demoLossFn is a trivial mean-square loss used only by the CLI demo; real
// loss computation lives with the caller's model code.
func demoLossFn(output *stagemodule.Tensor, ids []int64, cuSeqlens []int32, extra map[string]any) (float64, map[string]float64, error) {
	var sum float64
	for _, v := range output.Data {
		sum += v * v
	}
	if len(output.Data) == 0 {
		return 0, map[string]float64{"num_tokens": 0}, nil
	}
	return sum / float64(len(output.Data)), map[string]float64{"num_tokens": float64(len(ids))}, nil
}
