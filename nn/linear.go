package nn

import (
	"math/rand"

	"sftkit/tensor"
)

// Linear computes y = x @ W^T + bias, with an optional low-rank adapter
// that adds scale * ((x @ A^T) @ B^T). When the base weight is frozen only
// the factor pair receives gradients.
type Linear struct {
	Weight *Parameter // [out, in]
	Bias   *Parameter // [out] or nil
	LoRA   *LoRAFactors
	In     int
	Out    int
}

// LoRAFactors is one low-rank correction pair. B starts at zero so the
// adapter is an identity at initialization.
type LoRAFactors struct {
	A     *Parameter // [rank, in]
	B     *Parameter // [out, rank]
	Rank  int
	Scale float32 // alpha / rank
}

const initStd = 0.02

// NewLinear creates a linear layer with N(0, 0.02) weight initialization.
func NewLinear(rng *rand.Rand, in, out int, bias bool, name string, trainable bool) *Linear {
	l := &Linear{
		Weight: newParam(tensor.Randn(rng, initStd, out, in), name+".weight", trainable),
		In:     in,
		Out:    out,
	}
	if bias {
		l.Bias = newParam(tensor.New(out), name+".bias", trainable)
	}
	return l
}

// AttachLoRA adds an adapter factor pair to the layer.
func (l *Linear) AttachLoRA(rng *rand.Rand, rank int, alpha float64, name string) {
	l.LoRA = &LoRAFactors{
		A:     newParam(tensor.Randn(rng, initStd, rank, l.In), name+".lora_a", true),
		B:     newParam(tensor.New(l.Out, rank), name+".lora_b", true),
		Rank:  rank,
		Scale: float32(alpha) / float32(rank),
	}
}

// Forward computes the projection for rows row-vectors of length In.
func (l *Linear) Forward(x []float32, rows int) []float32 {
	out := make([]float32, rows*l.Out)
	w := l.Weight.Data
	for r := 0; r < rows; r++ {
		xo := r * l.In
		yo := r * l.Out
		for o := 0; o < l.Out; o++ {
			sum := float32(0)
			wo := o * l.In
			for i := 0; i < l.In; i++ {
				sum += x[xo+i] * w[wo+i]
			}
			out[yo+o] = sum
		}
		if l.Bias != nil {
			b := l.Bias.Data
			for o := 0; o < l.Out; o++ {
				out[yo+o] += b[o]
			}
		}
	}
	if l.LoRA != nil {
		l.addLoRA(x, out, rows)
	}
	return out
}

func (l *Linear) addLoRA(x, out []float32, rows int) {
	lo := l.LoRA
	a, b := lo.A.Data, lo.B.Data
	xa := make([]float32, lo.Rank)
	for r := 0; r < rows; r++ {
		xo := r * l.In
		yo := r * l.Out
		for k := 0; k < lo.Rank; k++ {
			sum := float32(0)
			ao := k * l.In
			for i := 0; i < l.In; i++ {
				sum += x[xo+i] * a[ao+i]
			}
			xa[k] = sum
		}
		for o := 0; o < l.Out; o++ {
			sum := float32(0)
			bo := o * lo.Rank
			for k := 0; k < lo.Rank; k++ {
				sum += xa[k] * b[bo+k]
			}
			out[yo+o] += lo.Scale * sum
		}
	}
}

// Backward computes dx from dout, accumulating parameter gradients in place.
// The forward input x is recomputed against, not cached, matching the
// recompute-in-backward convention used throughout the package.
func (l *Linear) Backward(x, dout []float32, rows int) []float32 {
	dx := make([]float32, rows*l.In)
	w := l.Weight.Data

	// dx = dout @ W
	for r := 0; r < rows; r++ {
		xo := r * l.In
		yo := r * l.Out
		for o := 0; o < l.Out; o++ {
			g := dout[yo+o]
			if g == 0 {
				continue
			}
			wo := o * l.In
			for i := 0; i < l.In; i++ {
				dx[xo+i] += g * w[wo+i]
			}
		}
	}

	if l.Weight.Trainable {
		dw := l.Weight.Grad()
		for r := 0; r < rows; r++ {
			xo := r * l.In
			yo := r * l.Out
			for o := 0; o < l.Out; o++ {
				g := dout[yo+o]
				if g == 0 {
					continue
				}
				wo := o * l.In
				for i := 0; i < l.In; i++ {
					dw[wo+i] += g * x[xo+i]
				}
			}
		}
	}
	if l.Bias != nil && l.Bias.Trainable {
		db := l.Bias.Grad()
		for r := 0; r < rows; r++ {
			yo := r * l.Out
			for o := 0; o < l.Out; o++ {
				db[o] += dout[yo+o]
			}
		}
	}
	if l.LoRA != nil {
		l.backwardLoRA(x, dout, dx, rows)
	}
	return dx
}

func (l *Linear) backwardLoRA(x, dout, dx []float32, rows int) {
	lo := l.LoRA
	a, b := lo.A.Data, lo.B.Data
	da, db := lo.A.Grad(), lo.B.Grad()
	xa := make([]float32, lo.Rank)
	dxa := make([]float32, lo.Rank)
	for r := 0; r < rows; r++ {
		xo := r * l.In
		yo := r * l.Out
		// recompute xa = x @ A^T
		for k := 0; k < lo.Rank; k++ {
			sum := float32(0)
			ao := k * l.In
			for i := 0; i < l.In; i++ {
				sum += x[xo+i] * a[ao+i]
			}
			xa[k] = sum
		}
		// dxa = scale * dout @ B, dB += scale * dout^T xa
		for k := 0; k < lo.Rank; k++ {
			dxa[k] = 0
		}
		for o := 0; o < l.Out; o++ {
			g := lo.Scale * dout[yo+o]
			if g == 0 {
				continue
			}
			bo := o * lo.Rank
			for k := 0; k < lo.Rank; k++ {
				dxa[k] += g * b[bo+k]
				db[bo+k] += g * xa[k]
			}
		}
		// dA += dxa^T x, dx += dxa @ A
		for k := 0; k < lo.Rank; k++ {
			g := dxa[k]
			if g == 0 {
				continue
			}
			ao := k * l.In
			for i := 0; i < l.In; i++ {
				da[ao+i] += g * x[xo+i]
				dx[xo+i] += g * a[ao+i]
			}
		}
	}
}

// Parameters returns the learnable tensors of the layer, adapter factors
// included.
func (l *Linear) Parameters() []*Parameter {
	params := []*Parameter{l.Weight}
	if l.Bias != nil {
		params = append(params, l.Bias)
	}
	if l.LoRA != nil {
		params = append(params, l.LoRA.A, l.LoRA.B)
	}
	return params
}
