package nn

import "math/rand"

// Block is one pre-norm transformer layer:
//
//	h   = x + Attention(Norm(x), cos, sin)
//	out = h + FeedForward(Norm(h))
type Block struct {
	AttnNorm *RMSNorm
	Attn     *Attention
	FFNNorm  *RMSNorm
	FFN      *FeedForward
}

// NewBlock creates one layer.
func NewBlock(rng *rand.Rand, cfg ModelConfig, name string) *Block {
	trainable := cfg.FTType == FTFull
	return &Block{
		AttnNorm: NewRMSNorm(cfg.Dim, cfg.NormEps, name+".attention_norm.weight", trainable),
		Attn:     NewAttention(rng, cfg, name+".attention"),
		FFNNorm:  NewRMSNorm(cfg.Dim, cfg.NormEps, name+".ffn_norm.weight", trainable),
		FFN:      NewFeedForward(rng, cfg.Dim, cfg.HiddenDim(), cfg.UseBias, name+".feed_forward", trainable),
	}
}

// BlockCache stores the residual-stream intermediates for backward.
type BlockCache struct {
	X         []float32 // block input
	PostAttn  []float32 // after first residual
	AttnCache *AttnCache
	FFNCache  *FFNCache
}

// Forward runs the layer over [b, t, dim]; cos/sin are the rotary rows for
// the active sequence length, passed through unchanged from the model.
func (bl *Block) Forward(x []float32, b, t int, cos, sin []float32) ([]float32, *BlockCache) {
	normed := bl.AttnNorm.Forward(x)
	attnOut, attnCache := bl.Attn.Forward(normed, b, t, cos, sin)

	postAttn := make([]float32, len(x))
	for i := range x {
		postAttn[i] = x[i] + attnOut[i]
	}

	normed2 := bl.FFNNorm.Forward(postAttn)
	ffnOut, ffnCache := bl.FFN.Forward(normed2, b*t)

	out := make([]float32, len(x))
	for i := range postAttn {
		out[i] = postAttn[i] + ffnOut[i]
	}
	return out, &BlockCache{X: x, PostAttn: postAttn, AttnCache: attnCache, FFNCache: ffnCache}
}

// Backward propagates dout through the layer and returns dx.
func (bl *Block) Backward(cache *BlockCache, dout []float32, b, t int, cos, sin []float32) []float32 {
	// Second residual: gradient reaches both the FFN branch and PostAttn.
	dNormed2 := bl.FFN.Backward(cache.FFNCache, dout, b*t)
	dPostAttn := bl.FFNNorm.Backward(cache.PostAttn, dNormed2)
	for i := range dPostAttn {
		dPostAttn[i] += dout[i]
	}

	// First residual likewise.
	dNormed1 := bl.Attn.Backward(cache.AttnCache, dPostAttn, b, t, cos, sin)
	dx := bl.AttnNorm.Backward(cache.X, dNormed1)
	for i := range dx {
		dx[i] += dPostAttn[i]
	}
	return dx
}

// Parameters returns all learnable tensors of the layer.
func (bl *Block) Parameters() []*Parameter {
	var params []*Parameter
	params = append(params, bl.AttnNorm.Parameters()...)
	params = append(params, bl.Attn.Parameters()...)
	params = append(params, bl.FFNNorm.Parameters()...)
	params = append(params, bl.FFN.Parameters()...)
	return params
}
