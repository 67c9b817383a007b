// Package topology defines the 3-D parallelism grid (data x tensor x
// pipeline), the process groups derived from it, and the rank-to-worker
// mapping.
package topology

import "fmt"

// ModelName identifies a model replica: replica 0 owns the real parameters
// at construction, other replicas are handles until a parameter-sync hook
// populates them.
type ModelName struct {
	Symbolic string
	Replica  int
}

func (m ModelName) String() string { return fmt.Sprintf("%s@%d", m.Symbolic, m.Replica) }

// Rank is a worker's position within a model's parallelism grid.
type Rank struct {
	DP, TP, PP int
}

// ModelShardID identifies one shard of one model.
type ModelShardID struct {
	Model ModelName
	Rank  Rank
}

func (s ModelShardID) String() string {
	return fmt.Sprintf("%s[dp=%d,tp=%d,pp=%d]", s.Model, s.Rank.DP, s.Rank.TP, s.Rank.PP)
}

// Grid is the (D, T, P) parallelism topology for one model. D*T*P must
// equal the model's shard count.
type Grid struct {
	Data     int
	Tensor   int
	Pipeline int
}

// NewGrid validates and constructs a Grid. A non-positive dimension is a
// configuration error, fatal at initialization.
func NewGrid(data, tensor, pipeline int) (Grid, error) {
	if data <= 0 || tensor <= 0 || pipeline <= 0 {
		return Grid{}, fmt.Errorf("topology: all dimensions must be positive, got data=%d tensor=%d pipeline=%d", data, tensor, pipeline)
	}
	return Grid{Data: data, Tensor: tensor, Pipeline: pipeline}, nil
}

// Shards returns the total shard count D*T*P.
func (g Grid) Shards() int { return g.Data * g.Tensor * g.Pipeline }

// GlobalRank computes the row-major global rank for (dp, tp, pp).
func (g Grid) GlobalRank(dp, tp, pp int) int {
	return dp*g.Tensor*g.Pipeline + tp*g.Pipeline + pp
}

// Rank decomposes a global rank back into (dp, tp, pp).
func (g Grid) Rank(globalRank int) Rank {
	pp := globalRank % g.Pipeline
	rest := globalRank / g.Pipeline
	tp := rest % g.Tensor
	dp := rest / g.Tensor
	return Rank{DP: dp, TP: tp, PP: pp}
}

// StageID returns the pipeline stage (pp coordinate) for a global rank.
func (g Grid) StageID(globalRank int) int { return g.Rank(globalRank).PP }

// PipeWorldSize returns the number of pipeline stages.
func (g Grid) PipeWorldSize() int { return g.Pipeline }

// IsDPHead reports whether globalRank is the dp-head (tp=0, pp=P-1): the
// only shard that emits externally visible outputs for its dp-group.
func (g Grid) IsDPHead(globalRank int) bool {
	r := g.Rank(globalRank)
	return r.TP == 0 && r.PP == g.Pipeline-1
}

// DataParallelGroup returns every global rank sharing (tp, pp) across all
// dp indices, a contiguous process-group along the data dimension.
func (g Grid) DataParallelGroup(tp, pp int) []int {
	out := make([]int, 0, g.Data)
	for dp := 0; dp < g.Data; dp++ {
		out = append(out, g.GlobalRank(dp, tp, pp))
	}
	return out
}

// TensorParallelGroup returns every global rank sharing (dp, pp) across all
// tp indices.
func (g Grid) TensorParallelGroup(dp, pp int) []int {
	out := make([]int, 0, g.Tensor)
	for tp := 0; tp < g.Tensor; tp++ {
		out = append(out, g.GlobalRank(dp, tp, pp))
	}
	return out
}

// PipelineGroup returns every global rank sharing (dp, tp) across all pp
// indices, i.e. one full pipeline's stages in order.
func (g Grid) PipelineGroup(dp, tp int) []int {
	out := make([]int, 0, g.Pipeline)
	for pp := 0; pp < g.Pipeline; pp++ {
		out = append(out, g.GlobalRank(dp, tp, pp))
	}
	return out
}

// PrevStage returns the global rank of the previous pipeline stage for the
// same (dp, tp), and false if globalRank is already the first stage.
func (g Grid) PrevStage(globalRank int) (int, bool) {
	r := g.Rank(globalRank)
	if r.PP == 0 {
		return 0, false
	}
	return g.GlobalRank(r.DP, r.TP, r.PP-1), true
}

// NextStage returns the global rank of the next pipeline stage for the
// same (dp, tp), and false if globalRank is already the last stage.
func (g Grid) NextStage(globalRank int) (int, bool) {
	r := g.Rank(globalRank)
	if r.PP == g.Pipeline-1 {
		return 0, false
	}
	return g.GlobalRank(r.DP, r.TP, r.PP+1), true
}

// StageContext is the borrowed-reference bundle passed into the engine and
// every component instead of relying on process-wide globals.
type StageContext struct {
	Grid       Grid
	GlobalRank int
	Model      ModelName
}

func (s StageContext) Rank() Rank    { return s.Grid.Rank(s.GlobalRank) }
func (s StageContext) StageID() int  { return s.Grid.StageID(s.GlobalRank) }
func (s StageContext) NumStages() int { return s.Grid.PipeWorldSize() }
func (s StageContext) IsFirstStage() bool { return s.StageID() == 0 }
func (s StageContext) IsLastStage() bool  { return s.StageID() == s.NumStages()-1 }
