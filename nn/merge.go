package nn

// MergeAdapters folds every attached adapter factor pair into its base
// weight and detaches the factors. Forward outputs are unchanged; the
// model afterwards looks like a full-parameter one, which is the form the
// export format expects.
func (m *Model) MergeAdapters() {
	if e := m.TokEmbed; e.LoRAA != nil {
		w := e.Weight.Data
		a, b := e.LoRAA.Data, e.LoRAB.Data
		for v := 0; v < e.Vocab; v++ {
			for d := 0; d < e.Dim; d++ {
				sum := float32(0)
				for k := 0; k < e.Rank; k++ {
					sum += a[v*e.Rank+k] * b[k*e.Dim+d]
				}
				w[v*e.Dim+d] += e.Scale * sum
			}
		}
		e.LoRAA, e.LoRAB = nil, nil
	}
	for _, layer := range m.Layers {
		layer.Attn.Wq.mergeLoRA()
		layer.Attn.Wv.mergeLoRA()
	}
}

// mergeLoRA adds scale * B A to the base weight and drops the factors.
func (l *Linear) mergeLoRA() {
	if l.LoRA == nil {
		return
	}
	lo := l.LoRA
	w := l.Weight.Data
	a, b := lo.A.Data, lo.B.Data
	for o := 0; o < l.Out; o++ {
		for i := 0; i < l.In; i++ {
			sum := float32(0)
			for k := 0; k < lo.Rank; k++ {
				sum += b[o*lo.Rank+k] * a[k*l.In+i]
			}
			w[o*l.In+i] += lo.Scale * sum
		}
	}
	l.LoRA = nil
}
