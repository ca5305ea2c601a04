package scheduler

import (
	"os"

	"gopkg.in/yaml.v3"
)

// BatchingConfig groups the limits the queue's selection algorithm enforces
// and the knobs the batching loop uses to decide when to extend a running
// batch.
type BatchingConfig struct {
	// CostModel selects which weight accounting variant the backend's
	// memory layout requires: "flash" or "padded".
	CostModel string `yaml:"cost_model"`

	// SizeLimit caps the number of concurrent entries in a batch.
	SizeLimit uint32 `yaml:"size_limit"`
	// WeightLimit caps the cost-model weight of a decode-phase batch.
	WeightLimit uint64 `yaml:"weight_limit"`
	// PrefillWeightLimit caps the cost-model weight of a prefill pass.
	PrefillWeightLimit uint64 `yaml:"prefill_weight_limit"`

	// WaitingServedRatio is the minimum fraction of an existing batch's
	// size that an extension must add, unless the running batch has gone
	// MaxWaitingTokens decode steps without an extension or the head-of-line
	// waiting entry has aged past MaxWaitingDuration.
	WaitingServedRatio float64 `yaml:"waiting_served_ratio"`
	// MaxWaitingTokens bounds how many decode steps the loop will run
	// before forcing an extension attempt regardless of WaitingServedRatio.
	MaxWaitingTokens uint32 `yaml:"max_waiting_tokens"`

	// WindowSize optionally truncates the input length used for weight
	// accounting to the backend's attention window, e.g. for sliding-window
	// models that never attend past their window regardless of prompt
	// length. Zero disables truncation.
	WindowSize uint32 `yaml:"window_size"`
	// Speculate is the speculative-decoding draft-token factor: each decode
	// step may return up to Speculate+1 tokens, so the cost model adds
	// Speculate extra output slots to each entry's remaining output even
	// though this module does not implement speculative-decoding policy
	// itself. Zero disables it.
	Speculate uint32 `yaml:"speculate"`
}

// ServerConfig groups the scheduler's process-level knobs.
type ServerConfig struct {
	MaxConcurrentRequests int64  `yaml:"max_concurrent_requests"`
	LogLevel              string `yaml:"log_level"`
}

// BackendConfig groups the configuration the reference in-memory Backend
// implementation needs; a real backend client would have its own.
type BackendConfig struct {
	TotalKVBlocks   int64 `yaml:"total_kv_blocks"`
	BlockSizeTokens int64 `yaml:"block_size_tokens"`
}

// Config is the top-level scheduler configuration file shape.
type Config struct {
	Batching BatchingConfig `yaml:"batching"`
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
}

// DefaultConfig returns the configuration the serve/bench commands fall
// back to when no config file is given.
func DefaultConfig() Config {
	return Config{
		Batching: BatchingConfig{
			CostModel:          "flash",
			SizeLimit:          128,
			WeightLimit:        1 << 20,
			PrefillWeightLimit: 1 << 18,
			WaitingServedRatio: 0.3,
			MaxWaitingTokens:   20,
		},
		Server: ServerConfig{
			MaxConcurrentRequests: 128,
			LogLevel:              "info",
		},
		Backend: BackendConfig{
			TotalKVBlocks:   4096,
			BlockSizeTokens: 16,
		},
	}
}

// LoadConfig reads a YAML config file from path, overlaying it on
// DefaultConfig so a partial file is valid.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
