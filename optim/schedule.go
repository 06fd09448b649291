package optim

import (
	"fmt"
	"math"
)

// Schedule computes the learning rate for a training step: linear warmup
// to BaseLR over WarmupIters, cosine decay down to MinLR at DecayIters,
// and MinLR flat beyond that.
type Schedule struct {
	BaseLR      float64
	MinLR       float64
	WarmupIters int
	DecayIters  int
}

// NewSchedule validates the shape of the curve before any step runs.
func NewSchedule(baseLR, minLR float64, warmupIters, decayIters int) (*Schedule, error) {
	if baseLR <= 0 {
		return nil, fmt.Errorf("schedule: base lr %g must be positive", baseLR)
	}
	if minLR < 0 || minLR > baseLR {
		return nil, fmt.Errorf("schedule: min lr %g must be in [0, %g]", minLR, baseLR)
	}
	if warmupIters < 0 {
		return nil, fmt.Errorf("schedule: warmup iters %d must be non-negative", warmupIters)
	}
	if decayIters <= warmupIters {
		return nil, fmt.Errorf("schedule: decay iters %d must exceed warmup iters %d", decayIters, warmupIters)
	}
	return &Schedule{BaseLR: baseLR, MinLR: minLR, WarmupIters: warmupIters, DecayIters: decayIters}, nil
}

// LR returns the learning rate for step. Panics if the internal decay
// progress leaves [0, 1], which cannot happen for a validated schedule.
func (s *Schedule) LR(step int) float64 {
	if step < s.WarmupIters {
		return s.BaseLR * float64(step) / float64(s.WarmupIters)
	}
	if step > s.DecayIters {
		return s.MinLR
	}
	progress := float64(step-s.WarmupIters) / float64(s.DecayIters-s.WarmupIters)
	if progress < 0 || progress > 1 {
		panic(fmt.Sprintf("schedule: decay progress %g out of range at step %d", progress, step))
	}
	coeff := 0.5 * (1.0 + math.Cos(math.Pi*progress))
	return s.MinLR + coeff*(s.BaseLR-s.MinLR)
}
