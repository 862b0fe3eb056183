package minuet

import "gonum.org/v1/gonum/mat"

// AdapterHook is consulted at every adapted layer during a forward pass.
// It receives the layer's input vector and returns an additive correction
// to the layer's output, or nil for no correction. The hook augments the
// frozen forward path; it never replaces it.
type AdapterHook func(layerID string, x []float64) []float64

// AdapterBackHook is the backward counterpart of AdapterHook. It
// receives the loss gradient at an adapted layer's output and returns
// the extra gradient the adapter correction contributes to the layer's
// input, or nil. Without it, gradients flowing through a layer would
// treat downstream adapter corrections as constants.
type AdapterBackHook func(layerID string, outGrad []float64) []float64

// BaseModel is the frozen pre-trained transformer. The core never
// mutates its parameters; adapters act only through the hook.
type BaseModel interface {
	// ContextLen is the model's native context length in tokens.
	ContextLen() int
	// VocabSize is the token vocabulary size, fixed by the upstream codec.
	VocabSize() int
	// HiddenDim is the model width, used by the memory planner.
	HiddenDim() int
	// PadTokenID is the reserved padding token.
	PadTokenID() int
	// EOSTokenID is the end-of-sequence token.
	EOSTokenID() int
	// Forward computes logits[seq][pos][vocab] for the batch. Padded
	// positions produce no meaningful logits and must be ignored by the
	// caller via the batch's attention mask.
	Forward(b *Batch, hook AdapterHook) ([][][]float64, error)
}

// LayerSpec describes one adaptable layer of a model.
type LayerSpec struct {
	ID     string
	InDim  int
	OutDim int
}

// PassOptions control one training forward/backward pass.
type PassOptions struct {
	// LossScale multiplies the loss gradient to keep small gradients
	// representable in reduced precision. 1 disables scaling.
	LossScale float64
	// HalfPrecision rounds activations and tap gradients through float16,
	// matching reduced-precision accelerator arithmetic.
	HalfPrecision bool
	// Recompute discards intermediate activations during forward and
	// recomputes them in backward (gradient checkpointing). Transparent to
	// the numerical result.
	Recompute bool
	// BackHook propagates gradients through adapter corrections during
	// backward. nil treats corrections as constants.
	BackHook AdapterBackHook
}

// LayerTap carries, for one adapted layer, the inputs seen during forward
// and the loss gradient at the layer's output. Columns correspond to the
// batch positions that contributed to the loss.
type LayerTap struct {
	Input      *mat.Dense // InDim x n
	OutputGrad *mat.Dense // OutDim x n, carries the loss scale factor
}

// PassResult is the outcome of one ForwardBackward call.
type PassResult struct {
	// Loss is the mean masked cross-entropy over real positions, unscaled.
	Loss float64
	// Positions is the number of positions that contributed to the loss.
	Positions int
	// Taps maps adapted layer IDs to their recorded taps.
	Taps map[string]*LayerTap
}

// TrainableModel extends BaseModel with the taps the adapter trainer
// needs. The base weights still receive no gradient; only the taps are
// exposed so adapter gradients can be assembled outside the model.
type TrainableModel interface {
	BaseModel
	// Layers lists the adaptable layers.
	Layers() []LayerSpec
	// ForwardBackward runs a forward pass with the hook, computes the
	// next-token cross-entropy loss over unmasked positions and
	// backpropagates, returning the per-layer taps.
	ForwardBackward(b *Batch, hook AdapterHook, opts PassOptions) (*PassResult, error)
}

// MergeableModel additionally exposes a mutable working copy of each
// adaptable layer's weight so adapter corrections can be folded in for
// faster inference.
type MergeableModel interface {
	TrainableModel
	// LayerWeight returns the working copy of the layer's weight matrix
	// (OutDim x InDim).
	LayerWeight(id string) *mat.Dense
}
