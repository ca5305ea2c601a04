package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_FieldValues(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "flash", cfg.Batching.CostModel)
	assert.Equal(t, uint32(128), cfg.Batching.SizeLimit)
	assert.Equal(t, int64(128), cfg.Server.MaxConcurrentRequests)
	assert.Equal(t, int64(4096), cfg.Backend.TotalKVBlocks)
}

func TestLoadConfig_OverlaysPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "batching:\n  size_limit: 4\n  cost_model: padded\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), cfg.Batching.SizeLimit)
	assert.Equal(t, "padded", cfg.Batching.CostModel)
	// Unspecified fields keep their default.
	assert.Equal(t, int64(128), cfg.Server.MaxConcurrentRequests)
}

func TestLoadConfig_MissingFile_ReturnsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
