package nn

import "fmt"

// Fine-tune modes.
const (
	FTFull = "full"
	FTLoRA = "lora"
)

// LoRA target selection.
const (
	LoRAEmbedding = "embedding"
	LoRAAttention = "attention"
	LoRAAll       = "all"
)

// IgnoreIndex is the target id that contributes no loss and no gradient
// (padding).
const IgnoreIndex = 0

// vocabAlign rounds the output matrix up so rows stay aligned; losses and
// sampling still index the logical vocabulary.
const vocabAlign = 64

// ModelConfig defines the architecture hyperparameters. Immutable per run.
type ModelConfig struct {
	Dim        int     `json:"dim"`
	NumLayers  int     `json:"n_layers"`
	NumHeads   int     `json:"n_heads"`
	NumKVHeads int     `json:"n_kv_heads"` // 0 means NumHeads
	VocabSize  int     `json:"vocab_size"`
	MaxSeqLen  int     `json:"max_seq_len"`
	MultipleOf int     `json:"multiple_of"`
	NormEps    float64 `json:"norm_eps"`
	Dropout    float64 `json:"dropout"`
	UseBias    bool    `json:"use_bias"`

	// Fine-tuning.
	FTType        string  `json:"ft_type"`         // "full" or "lora"
	LoRAttnDim    int     `json:"lora_attn_dim"`   // adapter rank
	LoRAttnAlpha  float64 `json:"lora_attn_alpha"` // adapter scaling numerator
	LoRAModule    string  `json:"lora_module"`     // "embedding", "attention" or "all"
}

// DefaultModelConfig returns a small configuration suitable for tests and
// local experiments.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Dim:          288,
		NumLayers:    6,
		NumHeads:     6,
		VocabSize:    32000,
		MaxSeqLen:    512,
		MultipleOf:   32,
		NormEps:      1e-5,
		Dropout:      0.0,
		FTType:       FTFull,
		LoRAttnDim:   8,
		LoRAttnAlpha: 16,
		LoRAModule:   LoRAAttention,
	}
}

// Validate checks the architecture-defining invariants. It must pass before
// any weights are allocated; a bad combination here would otherwise surface
// as a corrupt checkpoint much later.
func (c ModelConfig) Validate() error {
	if c.Dim <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.VocabSize <= 0 || c.MaxSeqLen <= 0 {
		return fmt.Errorf("config: dim, n_layers, n_heads, vocab_size and max_seq_len must be positive")
	}
	if c.Dim%c.NumHeads != 0 {
		return fmt.Errorf("config: dim %d not divisible by n_heads %d", c.Dim, c.NumHeads)
	}
	if kv := c.KVHeads(); c.NumHeads%kv != 0 {
		return fmt.Errorf("config: n_heads %d not divisible by n_kv_heads %d", c.NumHeads, kv)
	}
	if c.HeadDim()%2 != 0 {
		return fmt.Errorf("config: head dim %d must be even for rotary pairs", c.HeadDim())
	}
	if c.MultipleOf <= 0 {
		return fmt.Errorf("config: multiple_of must be positive, got %d", c.MultipleOf)
	}
	switch c.FTType {
	case FTFull:
	case FTLoRA:
		if c.LoRAttnDim <= 0 {
			return fmt.Errorf("config: lora_attn_dim must be positive, got %d", c.LoRAttnDim)
		}
		switch c.LoRAModule {
		case LoRAEmbedding, LoRAAttention, LoRAAll:
		default:
			return fmt.Errorf("config: unknown lora_module %q", c.LoRAModule)
		}
	default:
		return fmt.Errorf("config: unknown ft_type %q", c.FTType)
	}
	return nil
}

// KVHeads returns the effective number of key/value heads.
func (c ModelConfig) KVHeads() int {
	if c.NumKVHeads > 0 {
		return c.NumKVHeads
	}
	return c.NumHeads
}

// HeadDim returns the per-head dimension.
func (c ModelConfig) HeadDim() int { return c.Dim / c.NumHeads }

// KVDim returns the total key/value projection width.
func (c ModelConfig) KVDim() int { return c.KVHeads() * c.HeadDim() }

// RoundedVocab returns the vocabulary size rounded up to the alignment
// multiple. The embedding and output matrices use this many rows.
func (c ModelConfig) RoundedVocab() int {
	return (c.VocabSize + vocabAlign - 1) / vocabAlign * vocabAlign
}

// HiddenDim returns the feed-forward width: 4*dim rounded up to multiple_of.
func (c ModelConfig) HiddenDim() int {
	h := 4 * c.Dim
	return (h + c.MultipleOf - 1) / c.MultipleOf * c.MultipleOf
}

// loraEmbedding reports whether the embedding carries adapter factors.
func (c ModelConfig) loraEmbedding() bool {
	return c.FTType == FTLoRA && (c.LoRAModule == LoRAEmbedding || c.LoRAModule == LoRAAll)
}

// loraAttention reports whether attention projections carry adapter factors.
func (c ModelConfig) loraAttention() bool {
	return c.FTType == FTLoRA && (c.LoRAModule == LoRAAttention || c.LoRAModule == LoRAAll)
}
