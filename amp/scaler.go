// Package amp provides mixed-precision helpers: a dynamic loss scaler
// that keeps fp16-range gradients representable, and half-precision
// rounding utilities.
package amp

import (
	"math"

	"sftkit/nn"
)

// GradScaler multiplies the loss by a running scale before backward so
// small gradients survive half-precision storage, then divides them back
// out before the optimizer step. When a scaled gradient overflows to Inf
// or NaN the step is skipped and the scale backs off; after GrowthInterval
// clean steps the scale doubles again.
type GradScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int

	enabled    bool
	goodSteps  int
	foundInf   bool
	unscaled   bool
	skipped    int
	totalSteps int
}

// NewGradScaler returns a scaler with PyTorch-compatible defaults.
// A disabled scaler passes values through unchanged and never skips.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		scale:          65536.0,
		growthFactor:   2.0,
		backoffFactor:  0.5,
		growthInterval: 2000,
		enabled:        enabled,
	}
}

// Scale returns the loss multiplied by the current scale factor.
func (s *GradScaler) Scale(loss float32) float32 {
	if !s.enabled {
		return loss
	}
	return loss * float32(s.scale)
}

// ScaleFactor returns the current scale.
func (s *GradScaler) ScaleFactor() float64 {
	if !s.enabled {
		return 1.0
	}
	return s.scale
}

// Unscale divides every trainable gradient by the scale and records
// whether any gradient is non-finite. Calling it twice in one step is
// a no-op.
func (s *GradScaler) Unscale(params []*nn.Parameter) {
	if !s.enabled || s.unscaled {
		return
	}
	s.unscaled = true
	inv := float32(1.0 / s.scale)
	for _, p := range params {
		if !p.Trainable || !p.HasGrad() {
			continue
		}
		grad := p.Grad()
		for i := range grad {
			grad[i] *= inv
			if math.IsInf(float64(grad[i]), 0) || math.IsNaN(float64(grad[i])) {
				s.foundInf = true
			}
		}
	}
}

// ShouldStep reports whether the optimizer update may run. It unscales
// first if the caller has not.
func (s *GradScaler) ShouldStep(params []*nn.Parameter) bool {
	if !s.enabled {
		return true
	}
	s.Unscale(params)
	return !s.foundInf
}

// Update advances the scale state machine at the end of a step window.
func (s *GradScaler) Update() {
	if !s.enabled {
		return
	}
	s.totalSteps++
	if s.foundInf {
		s.scale *= s.backoffFactor
		s.goodSteps = 0
		s.skipped++
	} else {
		s.goodSteps++
		if s.goodSteps >= s.growthInterval {
			s.scale *= s.growthFactor
			s.goodSteps = 0
		}
	}
	s.foundInf = false
	s.unscaled = false
}

// SkippedSteps returns how many optimizer updates were dropped due to
// non-finite gradients.
func (s *GradScaler) SkippedSteps() int { return s.skipped }

// Enabled reports whether scaling is active.
func (s *GradScaler) Enabled() bool { return s.enabled }
