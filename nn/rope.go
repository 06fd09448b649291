package nn

import (
	"fmt"
	"math"
)

// RopeCache holds precomputed rotary tables. Both tables have one row per
// position and headDim/2 columns, one angle per even/odd dimension pair.
// The cache is built once at model construction and read-only afterwards.
type RopeCache struct {
	Cos     []float32 // (maxPos, headDim/2)
	Sin     []float32
	MaxPos  int
	HeadDim int
}

// NewRopeCache precomputes rotation angles for positions [0, maxPos) from
// the inverse-frequency geometric progression 1/base^(2i/headDim).
func NewRopeCache(headDim, maxPos int, base float64) (*RopeCache, error) {
	if headDim%2 != 0 {
		return nil, fmt.Errorf("rope: head dim must be even, got %d", headDim)
	}
	if maxPos <= 0 {
		return nil, fmt.Errorf("rope: max position must be positive, got %d", maxPos)
	}
	half := headDim / 2
	invFreq := make([]float64, half)
	for i := 0; i < half; i++ {
		invFreq[i] = 1.0 / math.Pow(base, float64(2*i)/float64(headDim))
	}
	cos := make([]float32, maxPos*half)
	sin := make([]float32, maxPos*half)
	for pos := 0; pos < maxPos; pos++ {
		for i := 0; i < half; i++ {
			angle := float64(pos) * invFreq[i]
			cos[pos*half+i] = float32(math.Cos(angle))
			sin[pos*half+i] = float32(math.Sin(angle))
		}
	}
	return &RopeCache{Cos: cos, Sin: sin, MaxPos: maxPos, HeadDim: headDim}, nil
}

// Slice returns the first seqLen rows of both tables. Requests beyond the
// precomputed horizon are a configuration error, not something to wrap or
// truncate silently.
func (rc *RopeCache) Slice(seqLen int) (cos, sin []float32, err error) {
	if seqLen > rc.MaxPos {
		return nil, nil, fmt.Errorf("rope: sequence length %d exceeds precomputed horizon %d", seqLen, rc.MaxPos)
	}
	half := rc.HeadDim / 2
	return rc.Cos[:seqLen*half], rc.Sin[:seqLen*half], nil
}

// rotate applies the pairwise rotation for one position to one head vector.
// x is a headDim-long slice, cos/sin are the half-width rows for a position.
func rotate(x []float32, cos, sin []float32) {
	half := len(x) / 2
	for i := 0; i < half; i++ {
		x0, x1 := x[2*i], x[2*i+1]
		x[2*i] = x0*cos[i] - x1*sin[i]
		x[2*i+1] = x0*sin[i] + x1*cos[i]
	}
}

// rotateBack applies the inverse rotation (negated angle), used to carry
// gradients back through the rotary transform.
func rotateBack(x []float32, cos, sin []float32) {
	half := len(x) / 2
	for i := 0; i < half; i++ {
		x0, x1 := x[2*i], x[2*i+1]
		x[2*i] = x0*cos[i] + x1*sin[i]
		x[2*i+1] = -x0*sin[i] + x1*cos[i]
	}
}
