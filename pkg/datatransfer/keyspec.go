// Package datatransfer implements the data-transfer coordinator: it moves
// produced tensors between model instances that live on different, possibly
// overlapping, device meshes, computing the repartition plan between two
// data-parallel layouts and tracking ownership of the tensors it ferries
// until every required consumer has acknowledged receipt.
package datatransfer

import (
	"fmt"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
)

// KeySpec describes the shape/dtype a data-transfer key resolves to, given
// a per-sequence length.
type KeySpec struct {
	Dtype stagemodule.DType
	Shape func(seqlen int) []int
}

func fixedShape(dims ...int) func(int) []int {
	return func(int) []int {
		out := make([]int, len(dims))
		copy(out, dims)
		return out
	}
}

func perSeqShape(delta int) func(int) []int {
	return func(seqlen int) []int { return []int{seqlen + delta} }
}

// KeySpecs is the fixed shape/dtype table every transferable key must
// appear in. Unknown keys are a hard error; the engine never negotiates
// metadata at transfer time.
var KeySpecs = map[string]KeySpec{
	"input_lens":        {Dtype: stagemodule.Int32, Shape: fixedShape(1)},
	"prompt_lens":        {Dtype: stagemodule.Int32, Shape: fixedShape(1)},
	"seq_no_eos_mask":    {Dtype: stagemodule.Bool, Shape: fixedShape(1)},
	"rewards":            {Dtype: stagemodule.Float32, Shape: fixedShape(1)},
	"reward_score":       {Dtype: stagemodule.Float32, Shape: fixedShape(1)},
	"group_factor":       {Dtype: stagemodule.Float32, Shape: fixedShape(1)},
	"cu_seqlens":         {Dtype: stagemodule.Int32, Shape: fixedShape(2)},
	"prompt_cu_seqlens":  {Dtype: stagemodule.Int32, Shape: fixedShape(2)},
	"packed_seq":         {Dtype: stagemodule.Int64, Shape: perSeqShape(0)},
	"prompt_mask":        {Dtype: stagemodule.Bool, Shape: perSeqShape(0)},
	"packed_input_ids":   {Dtype: stagemodule.Int64, Shape: perSeqShape(0)},
	"values":             {Dtype: stagemodule.Float16, Shape: perSeqShape(0)},
	"packed_prompts":     {Dtype: stagemodule.Int64, Shape: perSeqShape(0)},
	"packed_logprobs":     {Dtype: stagemodule.Float32, Shape: perSeqShape(-1)},
	"packed_ref_logprobs": {Dtype: stagemodule.Float32, Shape: perSeqShape(-1)},
	"old_logp":            {Dtype: stagemodule.Float32, Shape: perSeqShape(-1)},
	"ref_logp":            {Dtype: stagemodule.Float32, Shape: perSeqShape(-1)},
	"advantages":          {Dtype: stagemodule.Float32, Shape: perSeqShape(-1)},
	"ppo_loss_mask":       {Dtype: stagemodule.Bool, Shape: perSeqShape(-1)},
	"kl_rewards":          {Dtype: stagemodule.Float32, Shape: perSeqShape(-1)},
	"returns":             {Dtype: stagemodule.Float32, Shape: perSeqShape(-1)},
}

// ErrUnknownKey marks a reference to a data-transfer key outside KeySpecs.
type ErrUnknownKey struct{ Key string }

func (e *ErrUnknownKey) Error() string { return fmt.Sprintf("datatransfer: unknown key %q", e.Key) }

// ErrShapeMismatch marks a tensor whose shape/dtype does not match its
// key's KeySpec for the given seqlen.
type ErrShapeMismatch struct {
	Key          string
	Seqlen       int
	Want         []int
	WantDtype    stagemodule.DType
	Got          []int
	GotDtype     stagemodule.DType
}

func (e *ErrShapeMismatch) Error() string {
	return fmt.Sprintf("datatransfer: key %q seqlen=%d: want shape=%v dtype=%s, got shape=%v dtype=%s",
		e.Key, e.Seqlen, e.Want, e.WantDtype, e.Got, e.GotDtype)
}

// Validate checks t against the KeySpec for key at the given seqlen,
// returning ErrUnknownKey or ErrShapeMismatch as appropriate.
func Validate(key string, seqlen int, t *stagemodule.Tensor) error {
	spec, ok := KeySpecs[key]
	if !ok {
		return &ErrUnknownKey{Key: key}
	}
	want := spec.Shape(seqlen)
	if t.Dtype != spec.Dtype || !shapeEqual(t.Shape, want) {
		return &ErrShapeMismatch{Key: key, Seqlen: seqlen, Want: want, WantDtype: spec.Dtype, Got: t.Shape, GotDtype: t.Dtype}
	}
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
