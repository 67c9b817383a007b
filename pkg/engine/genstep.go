package engine

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
)

// sentinelMin stands in for the dtype's minimum: the value genstep writes
// into any logit it filters out. Which positions were touched is tracked
// separately and reported as the step's logits mask.
const sentinelMin = -math.MaxFloat64 / 2

// genStepResult is one call's output across every row of the batch.
type genStepResult struct {
	NextTokens []int64
	LogProbs   []float64
	// LogitsMask[row] is nil when every position in that row survived
	// filtering untouched.
	LogitsMask [][]bool
	Unfinished []bool
	Terminate  bool
}

// genstep runs one sampling step on the last stage during generation:
// EOS masking below minNewTokens, temperature/top-k/top-p filtering,
// greedy or categorical sampling, pad substitution for finished rows, and
// the per-micro-batch terminate decision.
func genstep(logits *stagemodule.Tensor, src *rand.Rand, prevUnfinished []bool, tok stagemodule.Tokenizer, generatedIdx int, cfg GenerationConfig) (genStepResult, error) {
	if len(logits.Shape) != 2 {
		return genStepResult{}, &PipelineError{Cmd: "genstep", Err: errShape("expected rank-2 logits [batch, vocab]")}
	}
	batch, vocab := logits.Shape[0], logits.Shape[1]

	eosID, hasEOS := tok.EOSTokenID()
	if hasEOS && (eosID < 0 || int(eosID) >= vocab) {
		hasEOS = false
	}
	padID, hasPad := tok.PadTokenID()

	res := genStepResult{
		NextTokens: make([]int64, batch),
		LogProbs:   make([]float64, batch),
		LogitsMask: make([][]bool, batch),
		Unfinished: make([]bool, batch),
	}

	for row := 0; row < batch; row++ {
		rowLogits := make([]float64, vocab)
		copy(rowLogits, logits.Data[row*vocab:(row+1)*vocab])
		touched := make([]bool, vocab)

		// Step 1: EOS masking before min_new_tokens.
		if generatedIdx < cfg.MinNewTokens && hasEOS {
			rowLogits[eosID] = sentinelMin
			touched[eosID] = true
		}

		// Step 2: temperature + top-k + top-p, skipped entirely in greedy mode.
		if !cfg.Greedy {
			if cfg.Temperature != 0 && cfg.Temperature != 1.0 {
				for i := range rowLogits {
					rowLogits[i] /= cfg.Temperature
				}
			}
			if cfg.TopK > 0 && cfg.TopK < vocab {
				applyTopK(rowLogits, touched, cfg.TopK)
			}
			if cfg.TopP > 0 && cfg.TopP < 1.0 {
				applyTopP(rowLogits, touched, cfg.TopP)
			}
		}

		// Step 3: sample.
		var chosen int
		if cfg.Greedy {
			chosen = argmax(rowLogits)
		} else {
			chosen = sampleCategorical(rowLogits, src)
		}

		// Step 4: finished rows keep emitting pad; update unfinished.
		wasUnfinished := row >= len(prevUnfinished) || prevUnfinished[row]
		var nextToken int64
		if !wasUnfinished && hasPad {
			nextToken = padID
		} else {
			nextToken = int64(chosen)
		}
		stillUnfinished := wasUnfinished && !(hasEOS && nextToken == eosID)

		// Step 5: logprob of the chosen token under the filtered distribution.
		logProb := logSoftmaxAt(rowLogits, chosen)

		res.NextTokens[row] = nextToken
		res.LogProbs[row] = logProb
		res.Unfinished[row] = stillUnfinished

		// Step 7: per-row logits_mask, None (nil) when nothing was filtered.
		anyTouched := false
		mask := make([]bool, vocab)
		for i := range mask {
			mask[i] = !touched[i]
			if touched[i] {
				anyTouched = true
			}
		}
		if anyTouched {
			res.LogitsMask[row] = mask
		}
	}

	// Step 6: terminate once every row is finished or the cap is hit.
	allFinished := true
	for _, u := range res.Unfinished {
		if u {
			allFinished = false
			break
		}
	}
	res.Terminate = generatedIdx >= cfg.MaxNewTokens-1 || allFinished
	return res, nil
}

func applyTopK(logits []float64, touched []bool, k int) {
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return logits[idx[a]] > logits[idx[b]] })
	for _, i := range idx[k:] {
		logits[i] = sentinelMin
		touched[i] = true
	}
}

func applyTopP(logits []float64, touched []bool, p float64) {
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return logits[idx[a]] > logits[idx[b]] })

	probs := softmax(logits)
	cum := 0.0
	keep := make([]bool, len(logits))
	for _, i := range idx {
		if cum >= p {
			break
		}
		keep[i] = true
		cum += probs[i]
	}
	for i := range logits {
		if !keep[i] {
			logits[i] = sentinelMin
			touched[i] = true
		}
	}
}

func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func logSoftmaxAt(logits []float64, i int) float64 {
	probs := softmax(logits)
	return math.Log(probs[i] + 1e-300)
}

func argmax(logits []float64) int {
	best, bestV := 0, logits[0]
	for i, v := range logits {
		if v > bestV {
			best, bestV = i, v
		}
	}
	return best
}

func sampleCategorical(logits []float64, src *rand.Rand) int {
	probs := softmax(logits)
	dist := distuv.NewCategorical(probs, src)
	return int(dist.Rand())
}

type errShape string

func (e errShape) Error() string { return string(e) }
