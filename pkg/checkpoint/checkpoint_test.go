package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
	"github.com/pipeflow/pipeflow/pkg/topology"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	shard := topology.ModelShardID{
		Model: topology.ModelName{Symbolic: "m", Replica: 0},
		Rank:  topology.Rank{DP: 0, TP: 0, PP: 1},
	}
	cfg := Config{HiddenSize: 8, NumLayers: 2, NumHeads: 2, VocabSize: 100}
	weights := map[int]*stagemodule.Tensor{
		2: stagemodule.NewTensor([]int{2, 4}, stagemodule.Float32, false),
	}
	weights[2].Data[3] = 42.0

	require.NoError(t, Save(dir, 1, 2, 3, shard, cfg, weights))

	gotCfg, gotWeights, err := Load(dir, 1, 2, 3, shard)
	require.NoError(t, err)
	assert.Equal(t, cfg, gotCfg)
	require.Contains(t, gotWeights, 2)
	assert.Equal(t, []int{2, 4}, gotWeights[2].Shape)
	assert.Equal(t, 42.0, gotWeights[2].Data[3])
}

func TestSaveSkipsNonDPZeroShards(t *testing.T) {
	dir := t.TempDir()
	shard := topology.ModelShardID{Rank: topology.Rank{DP: 1, TP: 0, PP: 0}}
	require.NoError(t, Save(dir, 0, 0, 0, shard, Config{}, nil))

	_, _, err := Load(dir, 0, 0, 0, shard)
	assert.Error(t, err) // nothing was written
}
