// Package optim builds the AdamW optimizer and the learning-rate schedule
// used for supervised fine-tuning.
package optim

import (
	"math"

	"github.com/klauspost/cpuid/v2"

	"sftkit/nn"
)

// AdamWConfig holds optimizer hyperparameters.
type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamWConfig returns LLM-tuned defaults.
func DefaultAdamWConfig(lr float64) AdamWConfig {
	return AdamWConfig{LR: lr, Beta1: 0.9, Beta2: 0.95, Eps: 1e-8, WeightDecay: 0.1}
}

// group is one parameter group sharing a weight-decay setting. Parameters
// with two or more dimensions decay; 1-D tensors (biases, norm scales) and
// anything frozen do not.
type group struct {
	params      []*nn.Parameter
	m, v        [][]float32
	weightDecay float64
	lr          float64
}

// AdamW is the adaptive-moment optimizer over two parameter groups.
type AdamW struct {
	cfg    AdamWConfig
	groups []*group
	step   int
	fused  bool
}

// NewAdamW partitions params by their decay tag and allocates moment state.
// The fused single-pass update is used when the CPU has wide vector units;
// it computes the same values as the unfused path.
func NewAdamW(params []*nn.Parameter, cfg AdamWConfig) *AdamW {
	decay := &group{weightDecay: cfg.WeightDecay, lr: cfg.LR}
	noDecay := &group{weightDecay: 0, lr: cfg.LR}
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		g := noDecay
		if p.Decays {
			g = decay
		}
		g.params = append(g.params, p)
		g.m = append(g.m, make([]float32, p.NumElements()))
		g.v = append(g.v, make([]float32, p.NumElements()))
	}
	return &AdamW{
		cfg:    cfg,
		groups: []*group{decay, noDecay},
		fused:  cpuid.CPU.Supports(cpuid.AVX2),
	}
}

// SetLR updates the learning rate on every parameter group.
func (opt *AdamW) SetLR(lr float64) {
	for _, g := range opt.groups {
		g.lr = lr
	}
}

// LR returns the current learning rate.
func (opt *AdamW) LR() float64 { return opt.groups[0].lr }

// Fused reports whether the tight-loop update path is active.
func (opt *AdamW) Fused() bool { return opt.fused }

// NumParams returns the count of optimized tensors.
func (opt *AdamW) NumParams() int {
	n := 0
	for _, g := range opt.groups {
		n += len(g.params)
	}
	return n
}

// Step applies one AdamW update to every parameter that has a gradient.
func (opt *AdamW) Step() {
	opt.step++
	bc1 := 1.0 - math.Pow(opt.cfg.Beta1, float64(opt.step))
	bc2 := 1.0 - math.Pow(opt.cfg.Beta2, float64(opt.step))

	for _, g := range opt.groups {
		for i, p := range g.params {
			if !p.HasGrad() {
				continue
			}
			if opt.fused {
				g.updateFused(i, p, bc1, bc2, opt.cfg)
			} else {
				g.update(i, p, bc1, bc2, opt.cfg)
			}
		}
	}
}

// update runs the per-element AdamW rule:
//
//	m = β1 m + (1-β1) g
//	v = β2 v + (1-β2) g²
//	θ = θ - lr (m̂ / (√v̂ + ε) + wd θ)
func (g *group) update(i int, p *nn.Parameter, bc1, bc2 float64, cfg AdamWConfig) {
	pd := p.Data
	gd := p.Grad()
	m, v := g.m[i], g.v[i]
	for j := range pd {
		gr := gd[j]
		m[j] = float32(cfg.Beta1)*m[j] + float32(1-cfg.Beta1)*gr
		v[j] = float32(cfg.Beta2)*v[j] + float32(1-cfg.Beta2)*gr*gr
		mHat := float64(m[j]) / bc1
		vHat := float64(v[j]) / bc2
		update := mHat / (math.Sqrt(vHat) + cfg.Eps)
		pd[j] -= float32(g.lr) * (float32(update) + float32(g.weightDecay)*pd[j])
	}
}

// updateFused is the same rule with the loop constants hoisted so the
// compiler can keep the body in vector registers. Identical numerics.
func (g *group) updateFused(i int, p *nn.Parameter, bc1, bc2 float64, cfg AdamWConfig) {
	pd := p.Data
	gd := p.Grad()
	m, v := g.m[i], g.v[i]
	b1, b2 := float32(cfg.Beta1), float32(cfg.Beta2)
	ob1, ob2 := 1-b1, 1-b2
	lr, wd := float32(g.lr), float32(g.weightDecay)
	for j := range pd {
		gr := gd[j]
		mj := b1*m[j] + ob1*gr
		vj := b2*v[j] + ob2*gr*gr
		m[j], v[j] = mj, vj
		mHat := float64(mj) / bc1
		vHat := float64(vj) / bc2
		update := float32(mHat / (math.Sqrt(vHat) + cfg.Eps))
		pd[j] -= lr * (update + wd*pd[j])
	}
}

// ZeroGrad clears gradients on every optimized parameter.
func (opt *AdamW) ZeroGrad() {
	for _, g := range opt.groups {
		for _, p := range g.params {
			p.ZeroGrad()
		}
	}
}

// GroupSizes returns (decayed, non-decayed) parameter counts for logging.
func (opt *AdamW) GroupSizes() (decayed, nonDecayed int) {
	for _, p := range opt.groups[0].params {
		decayed += p.NumElements()
	}
	for _, p := range opt.groups[1].params {
		nonDecayed += p.NumElements()
	}
	return decayed, nonDecayed
}

// ClipGradNorm scales gradients so their global L2 norm does not exceed
// maxNorm, returning the pre-clip norm.
func ClipGradNorm(params []*nn.Parameter, maxNorm float64) float64 {
	total := float64(0)
	for _, p := range params {
		if !p.Trainable || !p.HasGrad() {
			continue
		}
		for _, g := range p.Grad() {
			total += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(total)
	if norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := float32(maxNorm / norm)
	for _, p := range params {
		if !p.Trainable || !p.HasGrad() {
			continue
		}
		grad := p.Grad()
		for i := range grad {
			grad[i] *= scale
		}
	}
	return norm
}
