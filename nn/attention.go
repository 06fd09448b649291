package nn

import (
	"math"
	"math/rand"
)

// Attention is causal self-attention with rotary position encoding and
// grouped key/value heads: NumKVHeads may be smaller than NumHeads, in which
// case each key/value head serves a contiguous group of query heads.
type Attention struct {
	Wq *Linear // [dim, dim]
	Wk *Linear // [kvDim, dim]
	Wv *Linear // [kvDim, dim]
	Wo *Linear // [dim, dim]

	NumHeads   int
	NumKVHeads int
	HeadDim    int
	Dim        int
}

// NewAttention creates the four projections. Query and value projections
// receive adapter factors when the config targets attention.
func NewAttention(rng *rand.Rand, cfg ModelConfig, name string) *Attention {
	trainable := cfg.FTType == FTFull
	a := &Attention{
		Wq:         NewLinear(rng, cfg.Dim, cfg.Dim, cfg.UseBias, name+".wq", trainable),
		Wk:         NewLinear(rng, cfg.Dim, cfg.KVDim(), cfg.UseBias, name+".wk", trainable),
		Wv:         NewLinear(rng, cfg.Dim, cfg.KVDim(), cfg.UseBias, name+".wv", trainable),
		Wo:         NewLinear(rng, cfg.Dim, cfg.Dim, cfg.UseBias, name+".wo", trainable),
		NumHeads:   cfg.NumHeads,
		NumKVHeads: cfg.KVHeads(),
		HeadDim:    cfg.HeadDim(),
		Dim:        cfg.Dim,
	}
	if cfg.loraAttention() {
		a.Wq.AttachLoRA(rng, cfg.LoRAttnDim, cfg.LoRAttnAlpha, name+".wq")
		a.Wv.AttachLoRA(rng, cfg.LoRAttnDim, cfg.LoRAttnAlpha, name+".wv")
	}
	return a
}

// AttnCache stores rotated projections and softmax weights for backward.
type AttnCache struct {
	X        []float32 // input [b, t, dim]
	Q        []float32 // [b, nHeads, t, headDim], after rotation
	K        []float32 // [b, nKVHeads, t, headDim], after rotation
	V        []float32 // [b, nKVHeads, t, headDim]
	Scores   []float32 // [b, nHeads, t, t], post-softmax
	AttnFlat []float32 // [b, t, dim], pre-output-projection
}

// Forward runs attention over x of shape [b, t, dim] using the rotary rows
// cos/sin sliced to t positions. Masking is causal: position i never reads
// a key at j > i.
func (at *Attention) Forward(x []float32, b, t int, cos, sin []float32) ([]float32, *AttnCache) {
	hd := at.HeadDim
	half := hd / 2

	q := at.Wq.Forward(x, b*t) // [b*t, dim]
	k := at.Wk.Forward(x, b*t) // [b*t, kvDim]
	v := at.Wv.Forward(x, b*t)

	qh := toHeads(q, b, t, at.NumHeads, hd)
	kh := toHeads(k, b, t, at.NumKVHeads, hd)
	vh := toHeads(v, b, t, at.NumKVHeads, hd)

	// Rotate queries and keys per position.
	for bi := 0; bi < b; bi++ {
		for h := 0; h < at.NumHeads; h++ {
			for pos := 0; pos < t; pos++ {
				off := ((bi*at.NumHeads+h)*t + pos) * hd
				rotate(qh[off:off+hd], cos[pos*half:(pos+1)*half], sin[pos*half:(pos+1)*half])
			}
		}
		for h := 0; h < at.NumKVHeads; h++ {
			for pos := 0; pos < t; pos++ {
				off := ((bi*at.NumKVHeads+h)*t + pos) * hd
				rotate(kh[off:off+hd], cos[pos*half:(pos+1)*half], sin[pos*half:(pos+1)*half])
			}
		}
	}

	group := at.NumHeads / at.NumKVHeads
	scale := float32(1.0 / math.Sqrt(float64(hd)))
	scores := make([]float32, b*at.NumHeads*t*t)
	outHeads := make([]float32, b*at.NumHeads*t*hd)

	for bi := 0; bi < b; bi++ {
		for h := 0; h < at.NumHeads; h++ {
			kv := h / group
			qOff := (bi*at.NumHeads + h) * t * hd
			kvOff := (bi*at.NumKVHeads + kv) * t * hd
			scOff := (bi*at.NumHeads + h) * t * t

			for i := 0; i < t; i++ {
				row := scores[scOff+i*t : scOff+i*t+t]
				maxVal := float32(math.Inf(-1))
				for j := 0; j <= i; j++ {
					dot := float32(0)
					for d := 0; d < hd; d++ {
						dot += qh[qOff+i*hd+d] * kh[kvOff+j*hd+d]
					}
					row[j] = dot * scale
					if row[j] > maxVal {
						maxVal = row[j]
					}
				}
				sumExp := float32(0)
				for j := 0; j <= i; j++ {
					row[j] = float32(math.Exp(float64(row[j] - maxVal)))
					sumExp += row[j]
				}
				for j := 0; j <= i; j++ {
					row[j] /= sumExp
				}
				// j > i stays exactly zero: future positions carry no weight.
				for d := 0; d < hd; d++ {
					sum := float32(0)
					for j := 0; j <= i; j++ {
						sum += row[j] * vh[kvOff+j*hd+d]
					}
					outHeads[qOff+i*hd+d] = sum
				}
			}
		}
	}

	attnFlat := fromHeads(outHeads, b, t, at.NumHeads, hd)
	out := at.Wo.Forward(attnFlat, b*t)

	return out, &AttnCache{X: x, Q: qh, K: kh, V: vh, Scores: scores, AttnFlat: attnFlat}
}

// Backward propagates dout through the whole attention block and returns dx.
func (at *Attention) Backward(cache *AttnCache, dout []float32, b, t int, cos, sin []float32) []float32 {
	hd := at.HeadDim
	half := hd / 2
	group := at.NumHeads / at.NumKVHeads
	scale := float32(1.0 / math.Sqrt(float64(hd)))

	dAttnFlat := at.Wo.Backward(cache.AttnFlat, dout, b*t)
	dOutHeads := toHeads(dAttnFlat, b, t, at.NumHeads, hd)

	dQ := make([]float32, len(cache.Q))
	dK := make([]float32, len(cache.K))
	dV := make([]float32, len(cache.V))
	dScores := make([]float32, t*t)

	for bi := 0; bi < b; bi++ {
		for h := 0; h < at.NumHeads; h++ {
			kv := h / group
			qOff := (bi*at.NumHeads + h) * t * hd
			kvOff := (bi*at.NumKVHeads + kv) * t * hd
			scOff := (bi*at.NumHeads + h) * t * t

			// dV[kv] += scores^T @ dOut, summed over the query-head group.
			for j := 0; j < t; j++ {
				for d := 0; d < hd; d++ {
					sum := float32(0)
					for i := j; i < t; i++ {
						sum += cache.Scores[scOff+i*t+j] * dOutHeads[qOff+i*hd+d]
					}
					dV[kvOff+j*hd+d] += sum
				}
			}

			// dScores = dOut @ V^T, then softmax backward per row, then scale.
			for i := 0; i < t; i++ {
				for j := 0; j <= i; j++ {
					sum := float32(0)
					for d := 0; d < hd; d++ {
						sum += dOutHeads[qOff+i*hd+d] * cache.V[kvOff+j*hd+d]
					}
					dScores[i*t+j] = sum
				}
				dot := float32(0)
				for j := 0; j <= i; j++ {
					dot += dScores[i*t+j] * cache.Scores[scOff+i*t+j]
				}
				for j := 0; j <= i; j++ {
					dScores[i*t+j] = cache.Scores[scOff+i*t+j] * (dScores[i*t+j] - dot) * scale
				}
			}

			// dQ = dS @ K and dK[kv] += dS^T @ Q.
			for i := 0; i < t; i++ {
				for d := 0; d < hd; d++ {
					sum := float32(0)
					for j := 0; j <= i; j++ {
						sum += dScores[i*t+j] * cache.K[kvOff+j*hd+d]
					}
					dQ[qOff+i*hd+d] = sum
				}
			}
			for j := 0; j < t; j++ {
				for d := 0; d < hd; d++ {
					sum := float32(0)
					for i := j; i < t; i++ {
						sum += dScores[i*t+j] * cache.Q[qOff+i*hd+d]
					}
					dK[kvOff+j*hd+d] += sum
				}
			}
		}
	}

	// Gradients pass back through the rotation with the inverse angle.
	for bi := 0; bi < b; bi++ {
		for h := 0; h < at.NumHeads; h++ {
			for pos := 0; pos < t; pos++ {
				off := ((bi*at.NumHeads+h)*t + pos) * hd
				rotateBack(dQ[off:off+hd], cos[pos*half:(pos+1)*half], sin[pos*half:(pos+1)*half])
			}
		}
		for h := 0; h < at.NumKVHeads; h++ {
			for pos := 0; pos < t; pos++ {
				off := ((bi*at.NumKVHeads+h)*t + pos) * hd
				rotateBack(dK[off:off+hd], cos[pos*half:(pos+1)*half], sin[pos*half:(pos+1)*half])
			}
		}
	}

	dQFlat := fromHeads(dQ, b, t, at.NumHeads, hd)
	dKFlat := fromHeads(dK, b, t, at.NumKVHeads, hd)
	dVFlat := fromHeads(dV, b, t, at.NumKVHeads, hd)

	dx := at.Wq.Backward(cache.X, dQFlat, b*t)
	dx2 := at.Wk.Backward(cache.X, dKFlat, b*t)
	dx3 := at.Wv.Backward(cache.X, dVFlat, b*t)
	for i := range dx {
		dx[i] += dx2[i] + dx3[i]
	}
	return dx
}

// Parameters returns all learnable tensors of the block.
func (at *Attention) Parameters() []*Parameter {
	var params []*Parameter
	params = append(params, at.Wq.Parameters()...)
	params = append(params, at.Wk.Parameters()...)
	params = append(params, at.Wv.Parameters()...)
	params = append(params, at.Wo.Parameters()...)
	return params
}

// toHeads: [b*t, heads*headDim] → [b, heads, t, headDim] (flat).
func toHeads(data []float32, b, t, heads, hd int) []float32 {
	out := make([]float32, len(data))
	for bi := 0; bi < b; bi++ {
		for s := 0; s < t; s++ {
			for h := 0; h < heads; h++ {
				src := ((bi*t+s)*heads + h) * hd
				dst := ((bi*heads+h)*t + s) * hd
				copy(out[dst:dst+hd], data[src:src+hd])
			}
		}
	}
	return out
}

// fromHeads: [b, heads, t, headDim] → [b*t, heads*headDim] (flat).
func fromHeads(data []float32, b, t, heads, hd int) []float32 {
	out := make([]float32, len(data))
	for bi := 0; bi < b; bi++ {
		for h := 0; h < heads; h++ {
			for s := 0; s < t; s++ {
				src := ((bi*heads+h)*t + s) * hd
				dst := ((bi*t+s)*heads + h) * hd
				copy(out[dst:dst+hd], data[src:src+hd])
			}
		}
	}
	return out
}
