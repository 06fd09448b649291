package nn

import (
	"math/rand"

	"sftkit/tensor"
)

// Embedding is the token lookup table. In adapter mode the base table is
// frozen and a low-rank pair (A rows looked up per token, shared B) learns
// an additive correction.
type Embedding struct {
	Weight *Parameter // [vocab, dim]
	LoRAA  *Parameter // [vocab, rank] or nil
	LoRAB  *Parameter // [rank, dim] or nil
	Rank   int
	Scale  float32
	Vocab  int
	Dim    int
}

// NewEmbedding creates an embedding with N(0, 0.02) initialization.
func NewEmbedding(rng *rand.Rand, vocab, dim int, name string, trainable bool) *Embedding {
	return &Embedding{
		Weight: newParam(tensor.Randn(rng, initStd, vocab, dim), name+".weight", trainable),
		Vocab:  vocab,
		Dim:    dim,
	}
}

// AttachLoRA adds the adapter factor pair. B starts at zero so lookups are
// unchanged at initialization.
func (e *Embedding) AttachLoRA(rng *rand.Rand, rank int, alpha float64, name string) {
	e.LoRAA = newParam(tensor.Randn(rng, initStd, e.Vocab, rank), name+".lora_a", true)
	e.LoRAB = newParam(tensor.New(rank, e.Dim), name+".lora_b", true)
	e.Rank = rank
	e.Scale = float32(alpha) / float32(rank)
}

// Forward gathers one row per token id.
func (e *Embedding) Forward(tokens []int) []float32 {
	out := make([]float32, len(tokens)*e.Dim)
	w := e.Weight.Data
	for s, id := range tokens {
		copy(out[s*e.Dim:(s+1)*e.Dim], w[id*e.Dim:(id+1)*e.Dim])
	}
	if e.LoRAA != nil {
		a, b := e.LoRAA.Data, e.LoRAB.Data
		for s, id := range tokens {
			off := s * e.Dim
			ao := id * e.Rank
			for k := 0; k < e.Rank; k++ {
				f := e.Scale * a[ao+k]
				if f == 0 {
					continue
				}
				bo := k * e.Dim
				for d := 0; d < e.Dim; d++ {
					out[off+d] += f * b[bo+d]
				}
			}
		}
	}
	return out
}

// Backward scatters dout rows back onto the table (and adapter factors).
func (e *Embedding) Backward(tokens []int, dout []float32) {
	if e.Weight.Trainable {
		dw := e.Weight.Grad()
		for s, id := range tokens {
			off := s * e.Dim
			wo := id * e.Dim
			for d := 0; d < e.Dim; d++ {
				dw[wo+d] += dout[off+d]
			}
		}
	}
	if e.LoRAA != nil {
		a, b := e.LoRAA.Data, e.LoRAB.Data
		da, db := e.LoRAA.Grad(), e.LoRAB.Grad()
		for s, id := range tokens {
			off := s * e.Dim
			ao := id * e.Rank
			for k := 0; k < e.Rank; k++ {
				bo := k * e.Dim
				sum := float32(0)
				for d := 0; d < e.Dim; d++ {
					g := e.Scale * dout[off+d]
					sum += g * b[bo+d]
					db[bo+d] += g * a[ao+k]
				}
				da[ao+k] += sum
			}
		}
	}
}

// Parameters returns the table and any adapter factors.
func (e *Embedding) Parameters() []*Parameter {
	params := []*Parameter{e.Weight}
	if e.LoRAA != nil {
		params = append(params, e.LoRAA, e.LoRAB)
	}
	return params
}
