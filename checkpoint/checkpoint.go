// Package checkpoint serializes model weights to a fixed little-endian
// binary layout readable by external inference runtimes, and reloads the
// same files for resumed training.
//
// Layout: a seven-int32 header (dim, hidden_dim, n_layers, n_heads,
// n_kv_heads, vocab_size, max_seq_len), then fp32 tensor payloads grouped
// by field across layers (all attention norms, then all wq, and so on),
// the final norm, and the rotary cos/sin tables truncated to max_seq_len.
// No output projection is written; readers re-tie it from the embedding.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"sftkit/nn"
)

// Save modes. The mode must match how the model was trained.
const (
	ModeAll  = "all"
	ModeLoRA = "lora"
)

// loraMagic marks adapter-only files so a full-weight reader fails loudly
// instead of misreading factor payloads as an embedding.
const loraMagic int32 = 0x4C6F5261

// Header is the architecture record at the front of every file.
// VocabSize holds the padded vocabulary (the logical size rounded up to
// a multiple of 64), not the logical one, so every payload extent follows
// directly from the header. Readers that track the logical vocabulary,
// such as a tokenizer-aware sampler, must carry that size separately.
type Header struct {
	Dim        int32
	HiddenDim  int32
	NumLayers  int32
	NumHeads   int32
	NumKVHeads int32
	VocabSize  int32
	MaxSeqLen  int32
}

// HeaderFor derives the on-disk header from a model config.
func HeaderFor(cfg nn.ModelConfig) Header {
	return Header{
		Dim:        int32(cfg.Dim),
		HiddenDim:  int32(cfg.HiddenDim()),
		NumLayers:  int32(cfg.NumLayers),
		NumHeads:   int32(cfg.NumHeads),
		NumKVHeads: int32(cfg.KVHeads()),
		VocabSize:  int32(cfg.RoundedVocab()),
		MaxSeqLen:  int32(cfg.MaxSeqLen),
	}
}

// check compares against the header implied by cfg and names the first
// mismatched field.
func (h Header) check(cfg nn.ModelConfig) error {
	want := HeaderFor(cfg)
	fields := []struct {
		name      string
		got, want int32
	}{
		{"dim", h.Dim, want.Dim},
		{"hidden_dim", h.HiddenDim, want.HiddenDim},
		{"n_layers", h.NumLayers, want.NumLayers},
		{"n_heads", h.NumHeads, want.NumHeads},
		{"n_kv_heads", h.NumKVHeads, want.NumKVHeads},
		{"vocab_size", h.VocabSize, want.VocabSize},
		{"max_seq_len", h.MaxSeqLen, want.MaxSeqLen},
	}
	for _, f := range fields {
		if f.got != f.want {
			return fmt.Errorf("checkpoint: %s is %d in file but %d in config", f.name, f.got, f.want)
		}
	}
	return nil
}

// Save writes the model to path in the given mode, replacing any prior
// file. The write goes through a temp file so a crash never leaves a
// truncated checkpoint behind.
func Save(path string, m *nn.Model, mode string) error {
	switch mode {
	case ModeAll, ModeLoRA:
	default:
		return fmt.Errorf("checkpoint: unknown save mode %q", mode)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	if mode == ModeAll {
		err = writeAll(w, m)
	} else {
		err = writeLoRA(w, m)
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Load restores weights from path into m. Architecture fields must match
// the model's config exactly; only shape-neutral hyperparameters such as
// dropout may differ from the saving run.
func Load(path string, m *nn.Model, mode string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20)
	switch mode {
	case ModeAll:
		err = readAll(r, m)
	case ModeLoRA:
		err = readLoRA(r, m)
	default:
		return fmt.Errorf("checkpoint: unknown save mode %q", mode)
	}
	if err != nil {
		return fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	return nil
}

func writeAll(w io.Writer, m *nn.Model) error {
	if err := binary.Write(w, binary.LittleEndian, HeaderFor(m.Config)); err != nil {
		return err
	}
	for _, payload := range fullPayloads(m) {
		if err := binary.Write(w, binary.LittleEndian, payload); err != nil {
			return err
		}
	}
	t := m.Config.MaxSeqLen
	half := m.Config.HeadDim() / 2
	if err := binary.Write(w, binary.LittleEndian, m.Rope.Cos[:t*half]); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, m.Rope.Sin[:t*half])
}

func readAll(r io.Reader, m *nn.Model) error {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return err
	}
	if h.Dim == loraMagic {
		return fmt.Errorf("file holds adapter factors, not full weights")
	}
	if err := h.check(m.Config); err != nil {
		return err
	}
	for _, payload := range fullPayloads(m) {
		if err := binary.Read(r, binary.LittleEndian, payload); err != nil {
			return err
		}
	}
	// Rope tables are deterministic from the header; skip them.
	half := m.Config.HeadDim() / 2
	if _, err := io.CopyN(io.Discard, r, int64(2*m.Config.MaxSeqLen*half*4)); err != nil {
		return err
	}
	// The file carries no output projection. Re-tie it from the embedding.
	copy(m.Output.Weight.Data, m.TokEmbed.Weight.Data)
	return nil
}

// fullPayloads lists every full-weight tensor in file order: embedding
// first, then each field across all layers, then the final norm.
func fullPayloads(m *nn.Model) [][]float32 {
	payloads := [][]float32{m.TokEmbed.Weight.Data}
	each := func(pick func(*nn.Block) []float32) {
		for _, layer := range m.Layers {
			payloads = append(payloads, pick(layer))
		}
	}
	each(func(b *nn.Block) []float32 { return b.AttnNorm.Weight.Data })
	each(func(b *nn.Block) []float32 { return b.Attn.Wq.Weight.Data })
	each(func(b *nn.Block) []float32 { return b.Attn.Wk.Weight.Data })
	each(func(b *nn.Block) []float32 { return b.Attn.Wv.Weight.Data })
	each(func(b *nn.Block) []float32 { return b.Attn.Wo.Weight.Data })
	each(func(b *nn.Block) []float32 { return b.FFNNorm.Weight.Data })
	each(func(b *nn.Block) []float32 { return b.FFN.W1.Weight.Data })
	each(func(b *nn.Block) []float32 { return b.FFN.W2.Weight.Data })
	each(func(b *nn.Block) []float32 { return b.FFN.W3.Weight.Data })
	payloads = append(payloads, m.Norm.Weight.Data)
	return payloads
}

// loraHeader extends the magic with enough shape information to validate
// an adapter file against a freshly built model.
type loraHeader struct {
	Magic  int32
	Rank   int32
	Alpha  float32
	Module int32
	Arch   Header
}

func moduleCode(module string) int32 {
	switch module {
	case nn.LoRAEmbedding:
		return 0
	case nn.LoRAAttention:
		return 1
	default:
		return 2
	}
}

func writeLoRA(w io.Writer, m *nn.Model) error {
	cfg := m.Config
	if cfg.FTType != nn.FTLoRA {
		return fmt.Errorf("model was not built with adapters; save mode %q needs ft_type %q", ModeLoRA, nn.FTLoRA)
	}
	h := loraHeader{
		Magic:  loraMagic,
		Rank:   int32(cfg.LoRAttnDim),
		Alpha:  float32(cfg.LoRAttnAlpha),
		Module: moduleCode(cfg.LoRAModule),
		Arch:   HeaderFor(cfg),
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	for _, payload := range loraPayloads(m) {
		if err := binary.Write(w, binary.LittleEndian, payload); err != nil {
			return err
		}
	}
	return nil
}

func readLoRA(r io.Reader, m *nn.Model) error {
	cfg := m.Config
	if cfg.FTType != nn.FTLoRA {
		return fmt.Errorf("model was not built with adapters; load mode %q needs ft_type %q", ModeLoRA, nn.FTLoRA)
	}
	var h loraHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return err
	}
	if h.Magic != loraMagic {
		return fmt.Errorf("file holds full weights, not adapter factors")
	}
	if err := h.Arch.check(cfg); err != nil {
		return err
	}
	if int(h.Rank) != cfg.LoRAttnDim {
		return fmt.Errorf("lora_attn_dim is %d in file but %d in config", h.Rank, cfg.LoRAttnDim)
	}
	if h.Module != moduleCode(cfg.LoRAModule) {
		return fmt.Errorf("lora_module is %d in file but %d in config", h.Module, moduleCode(cfg.LoRAModule))
	}
	for _, payload := range loraPayloads(m) {
		if err := binary.Read(r, binary.LittleEndian, payload); err != nil {
			return err
		}
	}
	return nil
}

// loraPayloads lists adapter factors in file order, following the same
// field-grouped-across-layers convention as the full format.
func loraPayloads(m *nn.Model) [][]float32 {
	var payloads [][]float32
	if m.TokEmbed.LoRAA != nil {
		payloads = append(payloads, m.TokEmbed.LoRAA.Data, m.TokEmbed.LoRAB.Data)
	}
	pick := func(sel func(*nn.Block) *nn.Linear) {
		for _, layer := range m.Layers {
			if lo := sel(layer).LoRA; lo != nil {
				payloads = append(payloads, lo.A.Data)
			}
		}
		for _, layer := range m.Layers {
			if lo := sel(layer).LoRA; lo != nil {
				payloads = append(payloads, lo.B.Data)
			}
		}
	}
	pick(func(b *nn.Block) *nn.Linear { return b.Attn.Wq })
	pick(func(b *nn.Block) *nn.Linear { return b.Attn.Wv })
	return payloads
}
