package nn

import (
	"math"
	"testing"
)

func TestRMSNormForward(t *testing.T) {
	n := NewRMSNorm(4, 1e-5, "norm", true)
	x := []float32{1, 2, 3, 4}

	out := n.Forward(x)
	rms := math.Sqrt((1+4+9+16)/4.0 + 1e-5)
	for i, v := range x {
		want := float64(v) / rms
		if math.Abs(float64(out[i])-want) > 1e-5 {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], want)
		}
	}

	// Unit scale on a unit-RMS row is the identity.
	unit := []float32{1, -1, 1, -1}
	got := n.Forward(unit)
	for i := range unit {
		if math.Abs(float64(got[i]-unit[i])) > 1e-4 {
			t.Fatalf("unit-RMS row changed at %d: %v", i, got[i])
		}
	}
}

func TestRMSNormBackwardFiniteDifference(t *testing.T) {
	dim := 4
	n := NewRMSNorm(dim, 1e-5, "norm", true)
	n.Weight.Data[0], n.Weight.Data[1], n.Weight.Data[2], n.Weight.Data[3] = 1.1, 0.9, 1.2, 0.8
	x := []float32{0.5, -1.0, 2.0, 0.3}
	dout := []float32{1.0, -0.5, 0.2, 0.7}

	dx := n.Backward(x, dout)

	// loss = Σ dout ⊙ Forward(x); compare dx against central differences.
	loss := func(xs []float32) float64 {
		out := n.Forward(xs)
		s := 0.0
		for i := range out {
			s += float64(dout[i]) * float64(out[i])
		}
		return s
	}
	const h = 1e-3
	for i := 0; i < dim; i++ {
		xp := append([]float32(nil), x...)
		xm := append([]float32(nil), x...)
		xp[i] += h
		xm[i] -= h
		numeric := (loss(xp) - loss(xm)) / (2 * h)
		if math.Abs(numeric-float64(dx[i])) > 1e-3 {
			t.Fatalf("dx[%d] = %v, finite difference %v", i, dx[i], numeric)
		}
	}

	// Weight gradient: d loss / dw_i = dout_i * x_i * inv.
	grad := n.Weight.Grad()
	ss := 0.0
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	inv := 1.0 / math.Sqrt(ss/float64(dim)+1e-5)
	for i := 0; i < dim; i++ {
		want := float64(dout[i]) * float64(x[i]) * inv
		if math.Abs(float64(grad[i])-want) > 1e-5 {
			t.Fatalf("dw[%d] = %v, want %v", i, grad[i], want)
		}
	}
}

func TestRMSNormFrozenAccumulatesNoGrad(t *testing.T) {
	n := NewRMSNorm(2, 1e-5, "norm", false)
	n.Backward([]float32{1, 2}, []float32{1, 1})
	if n.Weight.HasGrad() {
		t.Fatal("frozen norm accumulated a weight gradient")
	}
}
