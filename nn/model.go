package nn

import (
	"fmt"
	"math"
	"math/rand"

	"sftkit/tensor"
)

// Model is the decoder-only transformer: token embedding, stacked blocks,
// final norm and output projection. The output projection is a separate
// learnable tensor during training; checkpoint export ties it to the
// embedding by convention.
type Model struct {
	Config ModelConfig

	TokEmbed *Embedding
	Layers   []*Block
	Norm     *RMSNorm
	Output   *Linear
	Rope     *RopeCache

	rng *rand.Rand
}

const ropeBase = 10000.0

// NewModel constructs and initializes a model. Construction fails on any
// configuration error before a single weight is allocated.
func NewModel(cfg ModelConfig, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))

	rope, err := NewRopeCache(cfg.HeadDim(), cfg.MaxSeqLen, ropeBase)
	if err != nil {
		return nil, err
	}

	baseTrainable := cfg.FTType == FTFull
	m := &Model{
		Config:   cfg,
		TokEmbed: NewEmbedding(rng, cfg.RoundedVocab(), cfg.Dim, "tok_embeddings", baseTrainable),
		Norm:     NewRMSNorm(cfg.Dim, cfg.NormEps, "norm.weight", baseTrainable),
		Output:   NewLinear(rng, cfg.Dim, cfg.RoundedVocab(), cfg.UseBias, "output", baseTrainable),
		Rope:     rope,
		rng:      rng,
	}
	if cfg.loraEmbedding() {
		m.TokEmbed.AttachLoRA(rng, cfg.LoRAttnDim, cfg.LoRAttnAlpha, "tok_embeddings")
	}

	m.Layers = make([]*Block, cfg.NumLayers)
	for i := range m.Layers {
		m.Layers[i] = NewBlock(rng, cfg, fmt.Sprintf("layers.%d", i))
	}

	// Residual projections get the depth-scaled init so the residual stream
	// variance stays bounded as layers stack.
	resStd := initStd / math.Sqrt(float64(2*cfg.NumLayers))
	for _, layer := range m.Layers {
		reinit(rng, layer.Attn.Wo.Weight, resStd)
		reinit(rng, layer.FFN.W2.Weight, resStd)
	}
	return m, nil
}

func reinit(rng *rand.Rand, p *Parameter, std float64) {
	for i := range p.Data {
		p.Data[i] = float32(rng.NormFloat64() * std)
	}
}

// ModelCache holds everything Backward needs.
type ModelCache struct {
	Tokens   []int
	B, T     int
	Emb      []float32 // post-dropout embedding
	DropMask []float32 // nil when dropout is inactive
	Blocks   []*BlockCache
	NormIn   []float32 // output of the last block
	Normed   []float32 // after final norm
	Cos, Sin []float32
}

// ForwardWithCache runs the training forward pass over tokens shaped (b, t)
// and returns full logits of shape (b, t, roundedVocab) flat, plus the cache
// for Backward. Dropout is applied here and only here.
func (m *Model) ForwardWithCache(tokens []int, b, t int) ([]float32, *ModelCache, error) {
	if err := m.checkInput(tokens, b, t); err != nil {
		return nil, nil, err
	}
	cos, sin, err := m.Rope.Slice(t)
	if err != nil {
		return nil, nil, err
	}

	x := m.TokEmbed.Forward(tokens)
	cache := &ModelCache{Tokens: tokens, B: b, T: t, Cos: cos, Sin: sin}

	if m.Config.Dropout > 0 {
		keep := float32(1 - m.Config.Dropout)
		mask := make([]float32, len(x))
		for i := range x {
			if m.rng.Float64() < m.Config.Dropout {
				mask[i] = 0
			} else {
				mask[i] = 1 / keep
			}
			x[i] *= mask[i]
		}
		cache.DropMask = mask
	}
	cache.Emb = x

	cache.Blocks = make([]*BlockCache, len(m.Layers))
	for i, layer := range m.Layers {
		var bc *BlockCache
		x, bc = layer.Forward(x, b, t, cos, sin)
		cache.Blocks[i] = bc
	}
	cache.NormIn = x

	normed := m.Norm.Forward(x)
	cache.Normed = normed

	logits := m.Output.Forward(normed, b*t)
	return logits, cache, nil
}

// Backward propagates dLogits (shape (b, t, roundedVocab) flat) through the
// model, accumulating gradients on every trainable parameter.
func (m *Model) Backward(cache *ModelCache, dLogits []float32) {
	b, t := cache.B, cache.T
	dNormed := m.Output.Backward(cache.Normed, dLogits, b*t)
	dx := m.Norm.Backward(cache.NormIn, dNormed)

	for i := len(m.Layers) - 1; i >= 0; i-- {
		dx = m.Layers[i].Backward(cache.Blocks[i], dx, b, t, cache.Cos, cache.Sin)
	}

	if cache.DropMask != nil {
		for i := range dx {
			dx[i] *= cache.DropMask[i]
		}
	}
	m.TokEmbed.Backward(cache.Tokens, dx)
}

// Forward is the inference path: with targets it returns full logits plus
// the mean training loss and the summed perplexity loss; without targets it
// projects only the last position, skipping the large output matmul for all
// earlier positions.
func (m *Model) Forward(tokens []int, targets []int, b, t int) (*tensor.Tensor, float64, float64, error) {
	if err := m.checkInput(tokens, b, t); err != nil {
		return nil, 0, 0, err
	}
	cos, sin, err := m.Rope.Slice(t)
	if err != nil {
		return nil, 0, 0, err
	}

	x := m.TokEmbed.Forward(tokens)
	for _, layer := range m.Layers {
		x, _ = layer.Forward(x, b, t, cos, sin)
	}
	x = m.Norm.Forward(x)

	vr := m.Config.RoundedVocab()
	if targets == nil {
		// Gather the last row of every sequence and project just those.
		last := make([]float32, b*m.Config.Dim)
		for bi := 0; bi < b; bi++ {
			src := (bi*t + t - 1) * m.Config.Dim
			copy(last[bi*m.Config.Dim:(bi+1)*m.Config.Dim], x[src:src+m.Config.Dim])
		}
		logits := m.Output.Forward(last, b)
		out, _ := tensor.FromSlice(logits, b, 1, vr)
		return out, 0, 0, nil
	}

	logits := m.Output.Forward(x, b*t)
	loss, sumLoss := CrossEntropy(logits, targets, vr)
	out, _ := tensor.FromSlice(logits, b, t, vr)
	return out, loss, sumLoss, nil
}

func (m *Model) checkInput(tokens []int, b, t int) error {
	if b < 1 || t < 1 {
		return fmt.Errorf("model: batch shape (%d, %d) must be positive", b, t)
	}
	if len(tokens) != b*t {
		return fmt.Errorf("model: got %d tokens for shape (%d, %d)", len(tokens), b, t)
	}
	if t > m.Config.MaxSeqLen {
		return fmt.Errorf("model: sequence length %d exceeds max_seq_len %d", t, m.Config.MaxSeqLen)
	}
	vr := m.Config.RoundedVocab()
	for i, id := range tokens {
		if id < 0 || id >= vr {
			return fmt.Errorf("model: token id %d at position %d out of range [0, %d)", id, i, vr)
		}
	}
	return nil
}

// Parameters returns every learnable tensor in checkpoint order.
func (m *Model) Parameters() []*Parameter {
	var params []*Parameter
	params = append(params, m.TokEmbed.Parameters()...)
	for _, layer := range m.Layers {
		params = append(params, layer.Parameters()...)
	}
	params = append(params, m.Norm.Parameters()...)
	params = append(params, m.Output.Parameters()...)
	return params
}

// TrainableParameters returns the subset with gradients enabled.
func (m *Model) TrainableParameters() []*Parameter {
	var out []*Parameter
	for _, p := range m.Parameters() {
		if p.Trainable {
			out = append(out, p)
		}
	}
	return out
}

// ZeroGrad clears every allocated gradient buffer.
func (m *Model) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// ParamSummary describes the parameter partition, mirroring what the
// optimizer will build.
type ParamSummary struct {
	TotalTensors     int
	TotalParams      int
	DecayedParams    int
	NonDecayedParams int
	TrainableParams  int
}

// Summary counts parameters by tag for startup logging.
func (m *Model) Summary() ParamSummary {
	var s ParamSummary
	for _, p := range m.Parameters() {
		n := p.NumElements()
		s.TotalTensors++
		s.TotalParams += n
		if p.Decays {
			s.DecayedParams += n
		} else {
			s.NonDecayedParams += n
		}
		if p.Trainable {
			s.TrainableParams += n
		}
	}
	return s
}
