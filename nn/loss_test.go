package nn

import (
	"math"
	"testing"
)

func TestMaskedLossSinglePosition(t *testing.T) {
	vocab := 8
	logits := make([]float32, 4*vocab)
	for i := range logits {
		logits[i] = float32(i%5) * 0.3
	}
	targets := []int{3, 5, 2, 7}
	mask := []float32{0, 0, 1, 0}

	got, dLogits := MaskedCrossEntropy(logits, targets, mask, vocab)
	want := -logSoftmaxAt(logits[2*vocab:3*vocab], 2)
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("masked loss %v, want single-position cross entropy %v", got, want)
	}

	// Garbage in the masked targets must change nothing.
	targets2 := []int{1, 1, 2, 1}
	got2, _ := MaskedCrossEntropy(logits, targets2, mask, vocab)
	if got != got2 {
		t.Fatalf("masked targets leaked into the loss: %v vs %v", got, got2)
	}

	// Masked rows contribute zero gradient.
	for n := 0; n < 4; n++ {
		row := dLogits[n*vocab : (n+1)*vocab]
		zero := mask[n] == 0
		for v, g := range row {
			if zero && g != 0 {
				t.Fatalf("masked row %d has gradient %v at column %d", n, g, v)
			}
		}
	}
}

func TestMaskedLossIgnoreIndex(t *testing.T) {
	vocab := 4
	logits := make([]float32, 2*vocab)
	targets := []int{IgnoreIndex, 1}
	mask := []float32{1, 1}

	got, dLogits := MaskedCrossEntropy(logits, targets, mask, vocab)
	want := -logSoftmaxAt(logits[vocab:2*vocab], 1)
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("loss %v, want %v: padding target must not count even when masked in", got, want)
	}
	for v := 0; v < vocab; v++ {
		if dLogits[v] != 0 {
			t.Fatalf("padding row has gradient %v at column %v", dLogits[v], v)
		}
	}
}

func TestMaskedLossAllMaskedIsZero(t *testing.T) {
	vocab := 4
	logits := []float32{1, 2, 3, 4}
	loss, dLogits := MaskedCrossEntropy(logits, []int{2}, []float32{0}, vocab)
	if loss != 0 {
		t.Fatalf("all-masked loss %v, want 0", loss)
	}
	for _, g := range dLogits {
		if g != 0 {
			t.Fatal("all-masked batch produced gradients")
		}
	}
}

func TestMaskedLossGradientSumsToZero(t *testing.T) {
	// Softmax minus one-hot sums to zero along the vocabulary axis.
	vocab := 6
	logits := []float32{0.1, -0.4, 2.0, 0.0, 1.1, -2.3}
	_, dLogits := MaskedCrossEntropy(logits, []int{4}, []float32{1}, vocab)
	sum := float64(0)
	for _, g := range dLogits {
		sum += float64(g)
	}
	if math.Abs(sum) > 1e-6 {
		t.Fatalf("gradient row sums to %v, want 0", sum)
	}
}

func TestCrossEntropyMeanAndSum(t *testing.T) {
	vocab := 4
	logits := make([]float32, 3*vocab)
	for i := range logits {
		logits[i] = float32(i) * 0.1
	}
	targets := []int{1, IgnoreIndex, 3}

	mean, sum := CrossEntropy(logits, targets, vocab)
	want := -logSoftmaxAt(logits[:vocab], 1) - logSoftmaxAt(logits[2*vocab:], 3)
	if math.Abs(sum-want) > 1e-6 {
		t.Fatalf("sum loss %v, want %v", sum, want)
	}
	if math.Abs(mean-want/2) > 1e-6 {
		t.Fatalf("mean loss %v, want %v over two counted positions", mean, want/2)
	}
}
