package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsNumMicroBatches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topology:\n  data: 1\n  tensor: 1\n  pipeline: 4\nschedule:\n  kind: train\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Schedule.NumMicroBatches)
}

func TestLoadRejectsBadTopology(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topology:\n  data: 0\n  tensor: 1\n  pipeline: 1\nschedule:\n  kind: train\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsZeroShardingWithPipeline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topology:\n  data: 1\n  tensor: 1\n  pipeline: 2\nschedule:\n  kind: train\nbackend:\n  zero_stage: 2\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsSequenceParallelWithoutTensorParallel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topology:\n  data: 1\n  tensor: 1\n  pipeline: 1\nschedule:\n  kind: train\nbackend:\n  sequence_parallel: true\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownScheduleKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topology:\n  data: 1\n  tensor: 1\n  pipeline: 1\nschedule:\n  kind: bogus\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
