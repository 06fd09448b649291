package amp

import (
	"math"
	"testing"

	"sftkit/nn"
	"sftkit/tensor"
)

func gradParam(t *testing.T, grads ...float32) *nn.Parameter {
	t.Helper()
	ten, err := tensor.FromSlice(make([]float32, len(grads)), 1, len(grads))
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	copy(ten.Grad(), grads)
	return &nn.Parameter{Tensor: ten, Name: "w", Trainable: true, Decays: true}
}

func TestScalerDisabledPassthrough(t *testing.T) {
	s := NewGradScaler(false)
	if got := s.Scale(2.5); got != 2.5 {
		t.Fatalf("disabled Scale(2.5) = %v", got)
	}
	if s.ScaleFactor() != 1.0 {
		t.Fatalf("disabled scale factor %v, want 1", s.ScaleFactor())
	}
	p := gradParam(t, 3.0)
	if !s.ShouldStep([]*nn.Parameter{p}) {
		t.Fatal("disabled scaler must never skip")
	}
	if p.Grad()[0] != 3.0 {
		t.Fatal("disabled scaler touched gradients")
	}
}

func TestScalerUnscales(t *testing.T) {
	s := NewGradScaler(true)
	scale := float32(s.ScaleFactor())
	p := gradParam(t, 2*scale, -4*scale)

	if !s.ShouldStep([]*nn.Parameter{p}) {
		t.Fatal("finite gradients must not skip")
	}
	if p.Grad()[0] != 2 || p.Grad()[1] != -4 {
		t.Fatalf("unscaled gradients %v, want [2 -4]", p.Grad())
	}
}

func TestScalerUnscaleIdempotent(t *testing.T) {
	s := NewGradScaler(true)
	p := gradParam(t, float32(s.ScaleFactor()))
	params := []*nn.Parameter{p}
	s.Unscale(params)
	s.Unscale(params)
	if p.Grad()[0] != 1 {
		t.Fatalf("double unscale produced %v, want 1", p.Grad()[0])
	}
}

func TestScalerOverflowSkipsAndBacksOff(t *testing.T) {
	s := NewGradScaler(true)
	before := s.ScaleFactor()

	p := gradParam(t, float32(math.Inf(1)))
	if s.ShouldStep([]*nn.Parameter{p}) {
		t.Fatal("non-finite gradients must skip the step")
	}
	s.Update()

	if got := s.ScaleFactor(); got != before*0.5 {
		t.Fatalf("scale after overflow %v, want %v", got, before*0.5)
	}
	if s.SkippedSteps() != 1 {
		t.Fatalf("skipped steps %d, want 1", s.SkippedSteps())
	}

	// The next clean window steps normally at the reduced scale.
	q := gradParam(t, 1.0)
	if !s.ShouldStep([]*nn.Parameter{q}) {
		t.Fatal("clean window after overflow must step")
	}
	s.Update()
	if got := s.ScaleFactor(); got != before*0.5 {
		t.Fatalf("scale changed on clean step: %v", got)
	}
}

func TestScalerGrowsAfterInterval(t *testing.T) {
	s := NewGradScaler(true)
	before := s.ScaleFactor()
	for i := 0; i < s.growthInterval; i++ {
		p := gradParam(t, 1.0)
		if !s.ShouldStep([]*nn.Parameter{p}) {
			t.Fatal("unexpected skip")
		}
		s.Update()
	}
	if got := s.ScaleFactor(); got != before*2 {
		t.Fatalf("scale after growth interval %v, want %v", got, before*2)
	}
}

func TestScalerNaNDetected(t *testing.T) {
	s := NewGradScaler(true)
	p := gradParam(t, float32(math.NaN()))
	if s.ShouldStep([]*nn.Parameter{p}) {
		t.Fatal("NaN gradient must skip the step")
	}
}

func TestRoundHalf(t *testing.T) {
	if got := RoundHalf(1.0); got != 1.0 {
		t.Fatalf("RoundHalf(1) = %v", got)
	}
	// 2^-25 underflows to zero in half precision.
	if got := RoundHalf(float32(math.Pow(2, -25))); got != 0 {
		t.Fatalf("RoundHalf(2^-25) = %v, want 0", got)
	}
	if !HalfOverflows(70000) {
		t.Fatal("70000 must overflow half precision")
	}
	if HalfOverflows(1000) {
		t.Fatal("1000 fits in half precision")
	}
}
