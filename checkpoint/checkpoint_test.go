package checkpoint

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"sftkit/nn"
)

func testConfig() nn.ModelConfig {
	cfg := nn.DefaultModelConfig()
	cfg.Dim = 32
	cfg.NumLayers = 2
	cfg.NumHeads = 4
	cfg.VocabSize = 100
	cfg.MaxSeqLen = 16
	cfg.MultipleOf = 32
	return cfg
}

func tokens(rng *rand.Rand, n, vocab int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = 1 + rng.Intn(vocab-1)
	}
	return out
}

func TestHeaderFor(t *testing.T) {
	cfg := testConfig()
	h := HeaderFor(cfg)
	want := Header{
		Dim:        32,
		HiddenDim:  int32(cfg.HiddenDim()),
		NumLayers:  2,
		NumHeads:   4,
		NumKVHeads: 4,
		VocabSize:  128, // 100 rounded up to a multiple of 64
		MaxSeqLen:  16,
	}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripFullWeights(t *testing.T) {
	cfg := testConfig()
	src, err := nn.NewModel(cfg, 42)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, Save(path, src, ModeAll))

	dst, err := nn.NewModel(cfg, 7) // different seed, different weights
	require.NoError(t, err)
	require.NoError(t, Load(path, dst, ModeAll))

	rng := rand.New(rand.NewSource(1))
	ids := tokens(rng, 8, cfg.VocabSize)
	targets := tokens(rng, 8, cfg.VocabSize)

	// The file carries no output projection; loading re-ties it from the
	// embedding. Tie the source the same way before comparing.
	copy(src.Output.Weight.Data, src.TokEmbed.Weight.Data)

	out1, loss1, _, err := src.Forward(ids, targets, 1, 8)
	require.NoError(t, err)
	out2, loss2, _, err := dst.Forward(ids, targets, 1, 8)
	require.NoError(t, err)

	require.Equal(t, loss1, loss2, "loss must be bit-identical after round trip")
	require.Equal(t, out1.Data, out2.Data, "logits must be bit-identical after round trip")
}

func TestRoundTripLoRA(t *testing.T) {
	cfg := testConfig()
	cfg.FTType = nn.FTLoRA
	cfg.LoRAModule = nn.LoRAAll
	cfg.LoRAttnDim = 4
	cfg.LoRAttnAlpha = 8

	src, err := nn.NewModel(cfg, 42)
	require.NoError(t, err)
	// Populate the zero-initialized B factors so the file carries signal.
	rng := rand.New(rand.NewSource(2))
	for _, p := range src.TrainableParameters() {
		for i := range p.Data {
			p.Data[i] = float32(rng.NormFloat64()) * 0.1
		}
	}

	path := filepath.Join(t.TempDir(), "adapter.bin")
	require.NoError(t, Save(path, src, ModeLoRA))

	dst, err := nn.NewModel(cfg, 42) // same base weights, fresh factors
	require.NoError(t, err)
	require.NoError(t, Load(path, dst, ModeLoRA))

	for i, p := range src.TrainableParameters() {
		q := dst.TrainableParameters()[i]
		require.Equal(t, p.Data, q.Data, "factor %s differs after round trip", p.Name)
	}
}

func TestFullWeightsLoadIntoAdapterModel(t *testing.T) {
	cfg := testConfig()
	base, err := nn.NewModel(cfg, 42)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "base.bin")
	require.NoError(t, Save(path, base, ModeAll))

	// Adapter fine-tuning starts from a pretrained base: the full file
	// must load into a model built with adapters attached.
	loraCfg := cfg
	loraCfg.FTType = nn.FTLoRA
	loraCfg.LoRAModule = nn.LoRAAll
	loraCfg.LoRAttnDim = 4
	loraCfg.LoRAttnAlpha = 8
	m, err := nn.NewModel(loraCfg, 7)
	require.NoError(t, err)
	require.NoError(t, Load(path, m, ModeAll))

	require.Equal(t, base.TokEmbed.Weight.Data, m.TokEmbed.Weight.Data)
	for i, layer := range m.Layers {
		require.Equal(t, base.Layers[i].Attn.Wq.Weight.Data, layer.Attn.Wq.Weight.Data)
		require.NotNil(t, layer.Attn.Wq.LoRA, "adapters must survive a base load")
	}
	for _, p := range m.TrainableParameters() {
		require.Contains(t, p.Name, "lora", "base weights must stay frozen after the load")
	}
}

func TestLoadRejectsArchMismatch(t *testing.T) {
	cfg := testConfig()
	src, err := nn.NewModel(cfg, 1)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, Save(path, src, ModeAll))

	bad := cfg
	bad.NumLayers = 4
	dst, err := nn.NewModel(bad, 1)
	require.NoError(t, err)

	err = Load(path, dst, ModeAll)
	require.Error(t, err)
	require.Contains(t, err.Error(), "n_layers", "error must name the offending field")
}

func TestLoadRejectsWrongKind(t *testing.T) {
	cfg := testConfig()
	cfg.FTType = nn.FTLoRA
	src, err := nn.NewModel(cfg, 1)
	require.NoError(t, err)

	dir := t.TempDir()
	full := filepath.Join(dir, "full.bin")
	adapter := filepath.Join(dir, "adapter.bin")
	require.NoError(t, Save(full, src, ModeAll))
	require.NoError(t, Save(adapter, src, ModeLoRA))

	require.Error(t, Load(full, src, ModeLoRA), "full file must not load as adapters")
	require.Error(t, Load(adapter, src, ModeAll), "adapter file must not load as full weights")
}

func TestSaveModeValidation(t *testing.T) {
	cfg := testConfig() // full fine-tuning, no adapters attached
	m, err := nn.NewModel(cfg, 1)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "x.bin")
	require.Error(t, Save(path, m, "half"), "unknown mode must fail")
	require.Error(t, Save(path, m, ModeLoRA), "adapter save without adapters must fail")
}

func TestSaveReplacesExistingFile(t *testing.T) {
	cfg := testConfig()
	m, err := nn.NewModel(cfg, 1)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, Save(path, m, ModeAll))

	m.TokEmbed.Weight.Data[0] = 123.5
	require.NoError(t, Save(path, m, ModeAll))

	fresh, err := nn.NewModel(cfg, 2)
	require.NoError(t, err)
	require.NoError(t, Load(path, fresh, ModeAll))
	require.Equal(t, float32(123.5), fresh.TokEmbed.Weight.Data[0])
}
