package nn

import (
	"math"
	"sort"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Generate autoregressively extends prompt by up to maxNewTokens ids,
// stopping early when eos is emitted. At temperature zero it picks the
// arg-max token; otherwise logits are scaled by 1/temperature, optionally
// restricted to the top-k candidates, and sampled from the categorical
// distribution. Sampling operates on the logical vocabulary only.
func (m *Model) Generate(prompt []int, eos, maxNewTokens int, temperature float64, topK int) ([]int, error) {
	ids := append([]int(nil), prompt...)
	src := xrand.NewSource(uint64(m.rng.Int63()))

	for n := 0; n < maxNewTokens; n++ {
		ctx := ids
		if len(ctx) > m.Config.MaxSeqLen {
			ctx = ctx[len(ctx)-m.Config.MaxSeqLen:]
		}
		out, _, _, err := m.Forward(ctx, nil, 1, len(ctx))
		if err != nil {
			return nil, err
		}
		logits := out.Data[:m.Config.VocabSize]

		var next int
		if temperature == 0 {
			next = argMax(logits)
		} else {
			next = sample(logits, temperature, topK, src)
		}
		ids = append(ids, next)
		if next == eos {
			break
		}
	}
	return ids, nil
}

func argMax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

func sample(logits []float32, temperature float64, topK int, src xrand.Source) int {
	scaled := make([]float64, len(logits))
	for i, v := range logits {
		scaled[i] = float64(v) / temperature
	}

	if topK > 0 && topK < len(scaled) {
		sorted := append([]float64(nil), scaled...)
		sort.Float64s(sorted)
		kth := sorted[len(sorted)-topK]
		for i, v := range scaled {
			if v < kth {
				scaled[i] = math.Inf(-1)
			}
		}
	}

	// Softmax into sampling weights.
	maxVal := scaled[0]
	for _, v := range scaled[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	weights := make([]float64, len(scaled))
	for i, v := range scaled {
		weights[i] = math.Exp(v - maxVal)
	}

	idx, ok := sampleuv.NewWeighted(weights, src).Take()
	if !ok {
		return argMax(logits)
	}
	return idx
}
