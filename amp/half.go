package amp

import "github.com/x448/float16"

// RoundHalf rounds x through IEEE 754 half precision, matching the value
// an fp16 autocast region would observe.
func RoundHalf(x float32) float32 {
	return float16.Fromfloat32(x).Float32()
}

// RoundHalfSlice rounds a slice in place through half precision.
func RoundHalfSlice(xs []float32) {
	for i, x := range xs {
		xs[i] = float16.Fromfloat32(x).Float32()
	}
}

// HalfOverflows reports whether x is outside the finite fp16 range.
func HalfOverflows(x float32) bool {
	return float16.Fromfloat32(x).IsInf(0) || float16.Fromfloat32(x).IsNaN()
}
