// Package checkpoint implements the persisted-state layout:
// save_dir/epoch{e}epochstep{s}globalstep{g}/ holding a JSON model config
// plus one little-endian tensor dump per shard, gated so only the dp==0
// rank writes.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
	"github.com/pipeflow/pipeflow/pkg/topology"
)

// Config is the minimal model config persisted alongside weights.
type Config struct {
	HiddenSize    int `json:"hidden_size"`
	NumLayers     int `json:"num_hidden_layers"`
	NumHeads      int `json:"num_attention_heads"`
	VocabSize     int `json:"vocab_size"`
}

// dirName builds save_dir/epoch{e}epochstep{s}globalstep{g}/.
func dirName(saveDir string, epoch, epochStep, globalStep int) string {
	return filepath.Join(saveDir, fmt.Sprintf("epoch%depochstep%dglobalstep%d", epoch, epochStep, globalStep))
}

func shardFileName(shard topology.ModelShardID) string {
	return fmt.Sprintf("pytorch_model-pp-%02d-mp-%02d-s-%02d.bin", shard.Rank.PP, shard.Rank.TP, shard.Rank.DP)
}

// Save writes cfg and weights under saveDir's epoch/step-qualified
// directory. Only the dp==0 shard writes; any other shard's call is a
// silent no-op so every rank can call Save unconditionally.
func Save(saveDir string, epoch, epochStep, globalStep int, shard topology.ModelShardID, cfg Config, weights map[int]*stagemodule.Tensor) error {
	if shard.Rank.DP != 0 {
		return nil
	}
	dir := dirName(saveDir, epoch, epochStep, globalStep)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}

	cfgBytes, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "flash_mqat_config.json"), cfgBytes, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write config: %w", err)
	}

	path := filepath.Join(dir, shardFileName(shard))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create shard file: %w", err)
	}
	defer f.Close()
	if err := writeShard(f, weights); err != nil {
		return fmt.Errorf("checkpoint: write shard %s: %w", path, err)
	}
	return nil
}

// Load reads back cfg and weights previously written by Save for shard.
func Load(saveDir string, epoch, epochStep, globalStep int, shard topology.ModelShardID) (Config, map[int]*stagemodule.Tensor, error) {
	dir := dirName(saveDir, epoch, epochStep, globalStep)

	var cfg Config
	cfgBytes, err := os.ReadFile(filepath.Join(dir, "flash_mqat_config.json"))
	if err != nil {
		return Config{}, nil, fmt.Errorf("checkpoint: read config: %w", err)
	}
	if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("checkpoint: unmarshal config: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, shardFileName(shard)))
	if err != nil {
		return Config{}, nil, fmt.Errorf("checkpoint: open shard file: %w", err)
	}
	defer f.Close()
	weights, err := readShard(f)
	if err != nil {
		return Config{}, nil, fmt.Errorf("checkpoint: read shard: %w", err)
	}
	return cfg, weights, nil
}

// writeShard dumps weights as: layer count, then per layer (layer index,
// dtype, rank, shape..., flat float64 data) in little-endian order.
func writeShard(w *os.File, weights map[int]*stagemodule.Tensor) error {
	if err := binary.Write(w, binary.LittleEndian, int64(len(weights))); err != nil {
		return err
	}
	layers := make([]int, 0, len(weights))
	for idx := range weights {
		layers = append(layers, idx)
	}
	sort.Ints(layers)

	for _, idx := range layers {
		t := weights[idx]
		if err := binary.Write(w, binary.LittleEndian, int64(idx)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int32(t.Dtype)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int64(len(t.Shape))); err != nil {
			return err
		}
		for _, d := range t.Shape {
			if err := binary.Write(w, binary.LittleEndian, int64(d)); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, t.Data); err != nil {
			return err
		}
	}
	return nil
}

func readShard(r *os.File) (map[int]*stagemodule.Tensor, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make(map[int]*stagemodule.Tensor, n)
	for i := int64(0); i < n; i++ {
		var idx int64
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return nil, err
		}
		var dtype int32
		if err := binary.Read(r, binary.LittleEndian, &dtype); err != nil {
			return nil, err
		}
		var rank int64
		if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
			return nil, err
		}
		shape := make([]int, rank)
		numel := 1
		for d := int64(0); d < rank; d++ {
			var dim int64
			if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
				return nil, err
			}
			shape[d] = int(dim)
			numel *= int(dim)
		}
		data := make([]float64, numel)
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, err
		}
		out[int(idx)] = &stagemodule.Tensor{Shape: shape, Dtype: stagemodule.DType(dtype), Data: data}
	}
	return out, nil
}
