package nn

import "sftkit/tensor"

// Parameter is a learnable tensor with its optimizer-facing tags. The tags
// are fixed at construction from the tensor's role: base weights train only
// in full fine-tuning, adapter factors always train, and 1-D tensors
// (norm scales, biases) never receive weight decay.
type Parameter struct {
	*tensor.Tensor
	Name      string
	Trainable bool
	Decays    bool
}

func newParam(t *tensor.Tensor, name string, trainable bool) *Parameter {
	return &Parameter{
		Tensor:    t,
		Name:      name,
		Trainable: trainable,
		Decays:    t.NDim() >= 2 && trainable,
	}
}
