// Package train drives supervised fine-tuning: the per-step algorithm,
// gradient accumulation, mixed-precision scaling, cross-process gradient
// sync, and checkpoint cadence.
package train

import (
	"fmt"

	"sftkit/checkpoint"
	"sftkit/nn"
)

// Config holds training hyperparameters.
type Config struct {
	Epochs         int     `json:"epochs"`
	BatchSize      int     `json:"batch_size"`
	GradAccumSteps int     `json:"grad_accum_steps"`
	LearningRate   float64 `json:"learning_rate"`
	MinLR          float64 `json:"min_lr"`
	WarmupIters    int     `json:"warmup_iters"`
	LRDecayIters   int     `json:"lr_decay_iters"`
	WeightDecay    float64 `json:"weight_decay"`
	GradClip       float64 `json:"grad_clip"` // 0 disables clipping
	MixedPrecision bool    `json:"mixed_precision"`
	Seed           int64   `json:"seed"`

	LogInterval int    `json:"log_interval"`
	OutDir      string `json:"out_dir"`
	SaveMode    string `json:"save_mode"` // "all" or "lora"
}

// DefaultConfig returns fine-tuning defaults.
func DefaultConfig() Config {
	return Config{
		Epochs:         1,
		BatchSize:      8,
		GradAccumSteps: 1,
		LearningRate:   1e-4,
		MinLR:          1e-5,
		WarmupIters:    100,
		LRDecayIters:   10000,
		WeightDecay:    0.1,
		GradClip:       1.0,
		Seed:           1337,
		LogInterval:    10,
		OutDir:         "out",
		SaveMode:       checkpoint.ModeAll,
	}
}

// Validate rejects bad combinations before any weights are allocated.
// Saving adapter factors from a full-parameter run (or the reverse) would
// produce a checkpoint that reloads into an incomplete model.
func (c Config) Validate(model nn.ModelConfig) error {
	if c.Epochs <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("train: epochs and batch_size must be positive")
	}
	if c.GradAccumSteps <= 0 {
		return fmt.Errorf("train: grad_accum_steps must be positive, got %d", c.GradAccumSteps)
	}
	if c.GradClip < 0 {
		return fmt.Errorf("train: grad_clip must be non-negative, got %g", c.GradClip)
	}
	switch c.SaveMode {
	case checkpoint.ModeAll:
	case checkpoint.ModeLoRA:
		if model.FTType != nn.FTLoRA {
			return fmt.Errorf("train: save_mode %q requires ft_type %q, got %q",
				checkpoint.ModeLoRA, nn.FTLoRA, model.FTType)
		}
	default:
		return fmt.Errorf("train: unknown save_mode %q", c.SaveMode)
	}
	return nil
}

// TokensPerStep is the number of tokens consumed by one optimizer update
// across all processes.
func (c Config) TokensPerStep(worldSize, maxSeqLen int) int {
	return c.GradAccumSteps * worldSize * c.BatchSize * maxSeqLen
}
