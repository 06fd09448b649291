package nn

import (
	"math"
	"testing"
)

func TestRopeCacheSlice(t *testing.T) {
	rc, err := NewRopeCache(8, 32, ropeBase)
	if err != nil {
		t.Fatalf("NewRopeCache: %v", err)
	}

	for _, seqLen := range []int{1, 7, 16, 32} {
		cos, sin, err := rc.Slice(seqLen)
		if err != nil {
			t.Fatalf("Slice(%d): %v", seqLen, err)
		}
		half := rc.HeadDim / 2
		if len(cos) != seqLen*half || len(sin) != seqLen*half {
			t.Fatalf("Slice(%d): got %d/%d values, want %d", seqLen, len(cos), len(sin), seqLen*half)
		}
		for i := range cos {
			if cos[i] != rc.Cos[i] || sin[i] != rc.Sin[i] {
				t.Fatalf("Slice(%d): row drift at index %d", seqLen, i)
			}
		}
	}
}

func TestRopeCacheSliceBeyondHorizon(t *testing.T) {
	rc, err := NewRopeCache(8, 16, ropeBase)
	if err != nil {
		t.Fatalf("NewRopeCache: %v", err)
	}
	if _, _, err := rc.Slice(17); err == nil {
		t.Fatal("expected error for slice beyond precomputed horizon")
	}
}

func TestRopeFirstPositionIsIdentity(t *testing.T) {
	rc, err := NewRopeCache(4, 8, ropeBase)
	if err != nil {
		t.Fatalf("NewRopeCache: %v", err)
	}
	// Position 0 has angle 0 everywhere.
	for i := 0; i < rc.HeadDim/2; i++ {
		if rc.Cos[i] != 1 || rc.Sin[i] != 0 {
			t.Fatalf("position 0 pair %d: cos=%v sin=%v, want 1/0", i, rc.Cos[i], rc.Sin[i])
		}
	}
}

func TestRotateRoundTrip(t *testing.T) {
	rc, err := NewRopeCache(8, 16, ropeBase)
	if err != nil {
		t.Fatalf("NewRopeCache: %v", err)
	}
	half := rc.HeadDim / 2
	pos := 5
	cos := rc.Cos[pos*half : (pos+1)*half]
	sin := rc.Sin[pos*half : (pos+1)*half]

	x := []float32{0.5, -1.2, 2.0, 0.1, -0.7, 0.9, 1.5, -2.2}
	got := append([]float32(nil), x...)
	rotate(got, cos, sin)
	rotateBack(got, cos, sin)
	for i := range x {
		if math.Abs(float64(got[i]-x[i])) > 1e-5 {
			t.Fatalf("round trip drift at %d: got %v, want %v", i, got[i], x[i])
		}
	}
}

func TestRotatePreservesNorm(t *testing.T) {
	rc, err := NewRopeCache(4, 16, ropeBase)
	if err != nil {
		t.Fatalf("NewRopeCache: %v", err)
	}
	half := rc.HeadDim / 2
	x := []float32{1.0, 2.0, -3.0, 0.5}
	before := norm2(x)
	pos := 9
	rotate(x, rc.Cos[pos*half:(pos+1)*half], rc.Sin[pos*half:(pos+1)*half])
	after := norm2(x)
	if math.Abs(before-after) > 1e-5 {
		t.Fatalf("rotation changed vector norm: %v -> %v", before, after)
	}
}

func norm2(x []float32) float64 {
	s := 0.0
	for _, v := range x {
		s += float64(v) * float64(v)
	}
	return math.Sqrt(s)
}
