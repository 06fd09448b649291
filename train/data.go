package train

import (
	"fmt"
	"math/rand"

	"sftkit/nn"
)

// Batch is one fine-tuning micro-batch. Inputs and Targets are row-major
// [B*T]. Mask marks the target positions that contribute loss; it is nil
// for validation batches, meaning every non-padding target counts.
type Batch struct {
	Inputs  []int
	Targets []int
	Mask    []float32
	B, T    int
}

// BatchSource yields the batches of one epoch shard.
type BatchSource interface {
	Next() (*Batch, bool)
	// Len reports the total number of batches in the shard, for progress
	// estimation.
	Len() int
}

// Dataset holds tokenized supervised examples: per-sample input ids and a
// per-position loss mask selecting the response span.
type Dataset struct {
	samples [][]int
	masks   [][]float32
	seqLen  int
}

// NewDataset pads or truncates every sample to seqLen. Masks must be the
// same length as their sample.
func NewDataset(samples [][]int, masks [][]float32, seqLen int) (*Dataset, error) {
	if len(masks) != 0 && len(masks) != len(samples) {
		return nil, fmt.Errorf("data: %d samples but %d masks", len(samples), len(masks))
	}
	d := &Dataset{seqLen: seqLen}
	for i, s := range samples {
		var m []float32
		if len(masks) != 0 {
			if len(masks[i]) != len(s) {
				return nil, fmt.Errorf("data: sample %d has %d tokens but mask has %d", i, len(s), len(masks[i]))
			}
			m = masks[i]
		} else {
			m = make([]float32, len(s))
			for j := range m {
				m[j] = 1
			}
		}
		d.samples = append(d.samples, fit(s, seqLen, nn.IgnoreIndex))
		d.masks = append(d.masks, fitMask(m, seqLen))
	}
	return d, nil
}

func fit(s []int, n, pad int) []int {
	out := make([]int, n)
	for i := range out {
		if i < len(s) {
			out[i] = s[i]
		} else {
			out[i] = pad
		}
	}
	return out
}

func fitMask(m []float32, n int) []float32 {
	out := make([]float32, n)
	copy(out, m)
	return out
}

func (d *Dataset) Len() int { return len(d.samples) }

// Shard returns this rank's batches for one epoch. Every rank computes
// the same epoch-keyed permutation and takes a disjoint stride, so the
// split is deterministic and needs no coordination.
func (d *Dataset) Shard(epoch, rank, worldSize, batchSize int, seed int64) BatchSource {
	rng := rand.New(rand.NewSource(seed + int64(epoch)))
	perm := rng.Perm(len(d.samples))

	var mine []int
	for i, idx := range perm {
		if i%worldSize == rank {
			mine = append(mine, idx)
		}
	}
	return &shard{d: d, order: mine, batchSize: batchSize}
}

type shard struct {
	d         *Dataset
	order     []int
	batchSize int
	pos       int
}

func (s *shard) Len() int { return len(s.order) / s.batchSize }

// Next assembles the next batch. A trailing partial batch is dropped so
// every step sees a full [B, T-1] block.
func (s *shard) Next() (*Batch, bool) {
	if s.pos+s.batchSize > len(s.order) {
		return nil, false
	}
	t := s.d.seqLen - 1
	b := &Batch{
		Inputs:  make([]int, s.batchSize*t),
		Targets: make([]int, s.batchSize*t),
		Mask:    make([]float32, s.batchSize*t),
		B:       s.batchSize,
		T:       t,
	}
	for row := 0; row < s.batchSize; row++ {
		idx := s.order[s.pos+row]
		sample, mask := s.d.samples[idx], s.d.masks[idx]
		copy(b.Inputs[row*t:(row+1)*t], sample[:t])
		copy(b.Targets[row*t:(row+1)*t], sample[1:])
		copy(b.Mask[row*t:(row+1)*t], mask[1:])
	}
	s.pos += s.batchSize
	return b, true
}
