package nn

import "math"

// CrossEntropy computes token-level cross entropy over logits of shape
// (n, vocab) flat. Positions whose target equals IgnoreIndex contribute
// nothing. It returns the mean loss and the summed (non-normalized) loss
// used as a perplexity accumulator.
func CrossEntropy(logits []float32, targets []int, vocab int) (mean, sum float64) {
	counted := 0
	for n, target := range targets {
		if target == IgnoreIndex {
			continue
		}
		off := n * vocab
		sum += -logSoftmaxAt(logits[off:off+vocab], target)
		counted++
	}
	if counted > 0 {
		mean = sum / float64(counted)
	}
	return mean, sum
}

// MaskedCrossEntropy computes the fine-tuning loss: per-token cross entropy
// with IgnoreIndex, multiplied elementwise by mask and normalized by the
// mask sum — never by the raw token count — so padded positions contribute
// exactly zero gradient. It returns the scalar loss and dLogits, the
// gradient of that loss with respect to the logits.
func MaskedCrossEntropy(logits []float32, targets []int, mask []float32, vocab int) (float64, []float32) {
	dLogits := make([]float32, len(logits))
	maskSum := float64(0)
	for n, w := range mask {
		if targets[n] != IgnoreIndex {
			maskSum += float64(w)
		}
	}
	if maskSum == 0 {
		return 0, dLogits
	}

	loss := float64(0)
	probs := make([]float64, vocab)
	for n, target := range targets {
		w := float64(mask[n])
		if target == IgnoreIndex || w == 0 {
			continue
		}
		off := n * vocab
		softmaxInto(probs, logits[off:off+vocab])

		p := probs[target]
		if p < 1e-30 {
			p = 1e-30
		}
		loss += -math.Log(p) * w

		scale := w / maskSum
		row := dLogits[off : off+vocab]
		for v := 0; v < vocab; v++ {
			row[v] = float32(probs[v] * scale)
		}
		row[target] -= float32(scale)
	}
	return loss / maskSum, dLogits
}

// logSoftmaxAt returns log softmax(row)[idx] with the usual max shift.
func logSoftmaxAt(row []float32, idx int) float64 {
	maxVal := row[0]
	for _, v := range row[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sumExp := float64(0)
	for _, v := range row {
		sumExp += math.Exp(float64(v - maxVal))
	}
	return float64(row[idx]-maxVal) - math.Log(sumExp)
}

func softmaxInto(dst []float64, row []float32) {
	maxVal := row[0]
	for _, v := range row[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sumExp := float64(0)
	for i, v := range row {
		e := math.Exp(float64(v - maxVal))
		dst[i] = e
		sumExp += e
	}
	for i := range dst {
		dst[i] /= sumExp
	}
}
