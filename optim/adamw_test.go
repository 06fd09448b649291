package optim

import (
	"math"
	"testing"

	"sftkit/nn"
	"sftkit/tensor"
)

func param(t *testing.T, name string, trainable, decays bool, data []float32, shape ...int) *nn.Parameter {
	t.Helper()
	ten, err := tensor.FromSlice(data, shape...)
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	return &nn.Parameter{Tensor: ten, Name: name, Trainable: trainable, Decays: decays}
}

func TestAdamWGrouping(t *testing.T) {
	w := param(t, "w", true, true, []float32{1, 2, 3, 4}, 2, 2)
	norm := param(t, "norm", true, false, []float32{1, 1}, 2)
	frozen := param(t, "frozen", false, true, []float32{5, 6}, 1, 2)

	opt := NewAdamW([]*nn.Parameter{w, norm, frozen}, DefaultAdamWConfig(1e-3))
	if opt.NumParams() != 2 {
		t.Fatalf("optimized %d tensors, want 2 (frozen excluded)", opt.NumParams())
	}
	decayed, nonDecayed := opt.GroupSizes()
	if decayed != 4 || nonDecayed != 2 {
		t.Fatalf("group sizes %d/%d, want 4 decayed and 2 non-decayed", decayed, nonDecayed)
	}
}

func TestAdamWFirstStep(t *testing.T) {
	cfg := AdamWConfig{LR: 0.1, Beta1: 0.9, Beta2: 0.95, Eps: 1e-8, WeightDecay: 0}
	p := param(t, "w", true, true, []float32{1.0}, 1, 1)
	opt := NewAdamW([]*nn.Parameter{p}, cfg)

	p.Grad()[0] = 0.5
	opt.Step()

	// After one step m-hat = g and v-hat = g^2, so the update reduces to
	// lr * g/(|g|+eps) = lr for a positive gradient.
	want := 1.0 - 0.1*(0.5/(0.5+1e-8))
	if math.Abs(float64(p.Data[0])-want) > 1e-6 {
		t.Fatalf("after one step weight = %v, want %v", p.Data[0], want)
	}
}

func TestAdamWWeightDecayOnlyInDecayGroup(t *testing.T) {
	cfg := AdamWConfig{LR: 0.1, Beta1: 0.9, Beta2: 0.95, Eps: 1e-8, WeightDecay: 0.5}
	w := param(t, "w", true, true, []float32{2.0}, 1, 1)
	norm := param(t, "norm", true, false, []float32{2.0}, 1)
	opt := NewAdamW([]*nn.Parameter{w, norm}, cfg)

	// Identical gradients; only the decayed weight should shrink extra.
	w.Grad()[0] = 0.5
	norm.Grad()[0] = 0.5
	opt.Step()

	if w.Data[0] >= norm.Data[0] {
		t.Fatalf("decayed weight %v not below non-decayed %v", w.Data[0], norm.Data[0])
	}
	wantNorm := 2.0 - 0.1*(0.5/(0.5+1e-8))
	if math.Abs(float64(norm.Data[0])-wantNorm) > 1e-6 {
		t.Fatalf("non-decayed weight %v, want %v", norm.Data[0], wantNorm)
	}
}

func TestAdamWSkipsParamsWithoutGrad(t *testing.T) {
	p := param(t, "w", true, true, []float32{1, 1}, 1, 2)
	opt := NewAdamW([]*nn.Parameter{p}, DefaultAdamWConfig(1e-2))
	opt.Step()
	if p.Data[0] != 1 || p.Data[1] != 1 {
		t.Fatal("parameter without gradient was updated")
	}
}

func TestSetLRAppliesToAllGroups(t *testing.T) {
	w := param(t, "w", true, true, []float32{1}, 1, 1)
	opt := NewAdamW([]*nn.Parameter{w}, DefaultAdamWConfig(1e-3))
	opt.SetLR(5e-4)
	if opt.LR() != 5e-4 {
		t.Fatalf("LR() = %v, want 5e-4", opt.LR())
	}
	for _, g := range opt.groups {
		if g.lr != 5e-4 {
			t.Fatalf("group lr %v, want 5e-4", g.lr)
		}
	}
}

func TestClipGradNorm(t *testing.T) {
	p := param(t, "w", true, true, []float32{0, 0}, 1, 2)
	grad := p.Grad()
	grad[0], grad[1] = 3, 4 // norm 5

	norm := ClipGradNorm([]*nn.Parameter{p}, 1.0)
	if math.Abs(norm-5) > 1e-6 {
		t.Fatalf("reported norm %v, want 5", norm)
	}
	clipped := math.Hypot(float64(grad[0]), float64(grad[1]))
	if math.Abs(clipped-1) > 1e-5 {
		t.Fatalf("post-clip norm %v, want 1", clipped)
	}

	// Below the threshold nothing changes.
	grad[0], grad[1] = 0.3, 0.4
	ClipGradNorm([]*nn.Parameter{p}, 1.0)
	if grad[0] != 0.3 || grad[1] != 0.4 {
		t.Fatal("gradients below the threshold were rescaled")
	}
}
