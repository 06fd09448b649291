package optim

import (
	"math"
	"testing"
)

func TestScheduleBoundaries(t *testing.T) {
	s, err := NewSchedule(1e-3, 1e-4, 100, 1000)
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}

	if got := s.LR(0); got != 0 {
		t.Errorf("LR(0) = %v, want 0", got)
	}
	if got := s.LR(50); math.Abs(got-5e-4) > 1e-12 {
		t.Errorf("LR(50) = %v, want half of base during warmup", got)
	}
	if got := s.LR(1000); math.Abs(got-1e-4) > 1e-12 {
		t.Errorf("LR(decay_iters) = %v, want min lr", got)
	}
	if got := s.LR(5000); got != 1e-4 {
		t.Errorf("LR beyond decay = %v, want min lr flat", got)
	}
}

func TestScheduleContinuousAtWarmupBoundary(t *testing.T) {
	s, err := NewSchedule(6e-4, 6e-5, 200, 2000)
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	before := s.LR(199)
	at := s.LR(200)
	if math.Abs(at-s.BaseLR) > 1e-12 {
		t.Errorf("LR at warmup end = %v, want base %v", at, s.BaseLR)
	}
	if math.Abs(at-before) > s.BaseLR/100 {
		t.Errorf("discontinuity at warmup boundary: %v -> %v", before, at)
	}
}

func TestScheduleMonotoneDecay(t *testing.T) {
	s, err := NewSchedule(1e-3, 1e-5, 10, 500)
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	prev := s.LR(10)
	for step := 11; step <= 500; step++ {
		lr := s.LR(step)
		if lr > prev {
			t.Fatalf("decay not monotone at step %d: %v > %v", step, lr, prev)
		}
		prev = lr
	}
}

func TestScheduleValidation(t *testing.T) {
	cases := []struct {
		name                 string
		base, min            float64
		warmup, decay        int
	}{
		{"negative base", -1, 0, 10, 100},
		{"min above base", 1e-4, 1e-3, 10, 100},
		{"negative warmup", 1e-3, 1e-4, -1, 100},
		{"decay before warmup", 1e-3, 1e-4, 100, 100},
	}
	for _, tc := range cases {
		if _, err := NewSchedule(tc.base, tc.min, tc.warmup, tc.decay); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
