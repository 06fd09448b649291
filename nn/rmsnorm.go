package nn

import (
	"math"

	"sftkit/tensor"
)

// RMSNorm rescales each vector by its root-mean-square magnitude, without
// mean-centering, then applies a learned per-channel scale.
type RMSNorm struct {
	Weight *Parameter // [dim]
	Eps    float64
	Dim    int
}

// NewRMSNorm creates a norm with weight initialized to one.
func NewRMSNorm(dim int, eps float64, name string, trainable bool) *RMSNorm {
	return &RMSNorm{
		Weight: newParam(tensor.Full(1, dim), name, trainable),
		Eps:    eps,
		Dim:    dim,
	}
}

// Forward normalizes every dim-sized row of x.
// x: [rows, dim] flat.
func (n *RMSNorm) Forward(x []float32) []float32 {
	out := make([]float32, len(x))
	w := n.Weight.Data
	rows := len(x) / n.Dim
	for r := 0; r < rows; r++ {
		off := r * n.Dim
		ss := float64(0)
		for i := 0; i < n.Dim; i++ {
			v := float64(x[off+i])
			ss += v * v
		}
		inv := float32(1.0 / math.Sqrt(ss/float64(n.Dim)+n.Eps))
		for i := 0; i < n.Dim; i++ {
			out[off+i] = x[off+i] * inv * w[i]
		}
	}
	return out
}

// Backward recomputes the per-row statistics and returns dx; the weight
// gradient is accumulated in place.
func (n *RMSNorm) Backward(x, dout []float32) []float32 {
	dx := make([]float32, len(x))
	w := n.Weight.Data
	var dw []float32
	if n.Weight.Trainable {
		dw = make([]float32, n.Dim)
	}
	rows := len(x) / n.Dim
	for r := 0; r < rows; r++ {
		off := r * n.Dim
		ss := float64(0)
		for i := 0; i < n.Dim; i++ {
			v := float64(x[off+i])
			ss += v * v
		}
		inv := 1.0 / math.Sqrt(ss/float64(n.Dim)+n.Eps)
		// dot = Σ_i dout_i * w_i * x_i
		dot := float64(0)
		for i := 0; i < n.Dim; i++ {
			dot += float64(dout[off+i]) * float64(w[i]) * float64(x[off+i])
		}
		k := dot * inv * inv * inv / float64(n.Dim)
		for i := 0; i < n.Dim; i++ {
			dx[off+i] = float32(float64(dout[off+i])*float64(w[i])*inv - float64(x[off+i])*k)
			if dw != nil {
				dw[i] += dout[off+i] * float32(float64(x[off+i])*inv)
			}
		}
	}
	if dw != nil {
		n.Weight.AccumGrad(dw)
	}
	return dx
}

// Parameters returns the norm scale.
func (n *RMSNorm) Parameters() []*Parameter { return []*Parameter{n.Weight} }
