package nn

import (
	"math"
	"math/rand"
)

// FeedForward is the SwiGLU block: w2(SiLU(w1 x) * w3 x).
type FeedForward struct {
	W1     *Linear // [hidden, dim] gate
	W2     *Linear // [dim, hidden] down
	W3     *Linear // [hidden, dim] up
	Dim    int
	Hidden int
}

// NewFeedForward creates the block. hidden comes pre-rounded from the config.
func NewFeedForward(rng *rand.Rand, dim, hidden int, bias bool, name string, trainable bool) *FeedForward {
	return &FeedForward{
		W1:     NewLinear(rng, dim, hidden, bias, name+".w1", trainable),
		W2:     NewLinear(rng, hidden, dim, bias, name+".w2", trainable),
		W3:     NewLinear(rng, dim, hidden, bias, name+".w3", trainable),
		Dim:    dim,
		Hidden: hidden,
	}
}

// FFNCache stores the intermediates needed by Backward.
type FFNCache struct {
	X      []float32 // input
	H1     []float32 // w1 x, pre-activation
	H3     []float32 // w3 x
	Hidden []float32 // silu(h1) * h3
}

// Forward runs the block for rows row-vectors, returning the output and the
// cache for the backward pass.
func (ff *FeedForward) Forward(x []float32, rows int) ([]float32, *FFNCache) {
	h1 := ff.W1.Forward(x, rows)
	h3 := ff.W3.Forward(x, rows)
	hidden := make([]float32, len(h1))
	for i, v := range h1 {
		hidden[i] = silu(v) * h3[i]
	}
	out := ff.W2.Forward(hidden, rows)
	return out, &FFNCache{X: x, H1: h1, H3: h3, Hidden: hidden}
}

// Backward propagates dout through the block and returns dx.
func (ff *FeedForward) Backward(cache *FFNCache, dout []float32, rows int) []float32 {
	dHidden := ff.W2.Backward(cache.Hidden, dout, rows)

	dH1 := make([]float32, len(dHidden))
	dH3 := make([]float32, len(dHidden))
	for i, g := range dHidden {
		s := silu(cache.H1[i])
		dH3[i] = g * s
		dH1[i] = g * cache.H3[i] * siluGrad(cache.H1[i])
	}

	dx1 := ff.W1.Backward(cache.X, dH1, rows)
	dx3 := ff.W3.Backward(cache.X, dH3, rows)
	for i := range dx1 {
		dx1[i] += dx3[i]
	}
	return dx1
}

// Parameters returns all learnable tensors of the block.
func (ff *FeedForward) Parameters() []*Parameter {
	var params []*Parameter
	params = append(params, ff.W1.Parameters()...)
	params = append(params, ff.W2.Parameters()...)
	params = append(params, ff.W3.Parameters()...)
	return params
}

func silu(x float32) float32 {
	return x * sigmoid(x)
}

// siluGrad is d(x*sigmoid(x))/dx = sigmoid(x) * (1 + x*(1-sigmoid(x))).
func siluGrad(x float32) float32 {
	s := sigmoid(x)
	return s * (1 + x*(1-s))
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}
