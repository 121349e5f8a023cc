package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10000, cfg.L1.Capacity)
	assert.Equal(t, 3, cfg.L1.InvalidationDepth)
	assert.True(t, cfg.Persistence.Enabled)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.False(t, cfg.Git.PreserveAcrossBranches)
	assert.Equal(t, 50, cfg.Git.MaxHistoryDepth)
	assert.Equal(t, "weighted_combination", cfg.Merger.MergeStrategy)
	assert.InDelta(t, 1.2, cfg.Merger.SourceWeights["semantic"], 0.0001)
	assert.False(t, cfg.Mirror.Enabled)
	assert.True(t, cfg.Merger.StrictValidation, "relationships with empty UIDs or out-of-range confidence must be rejected by default")
}

func TestLoadWithMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().L1.Capacity, cfg.L1.Capacity)
}

func TestLoadReadsYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("l1:\n  capacity: 500\nmerger:\n  merge_strategy: semantic_only\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.L1.Capacity)
	assert.Equal(t, "semantic_only", cfg.Merger.MergeStrategy)
}

func TestSaveThenLoadRoundtrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.L1.Capacity = 777
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 777, loaded.L1.Capacity)
}

func TestExpandPath(t *testing.T) {
	assert.Equal(t, "", expandPath(""))
	assert.Equal(t, "relative/path", expandPath("relative/path"))
}

