package minuet

import "fmt"

// MemoryPlan is the result of fitting the nominal batch size into the
// configured memory ceiling. MicroBatch*AccumSteps always equals the
// nominal batch size so accumulation reproduces single-batch semantics.
type MemoryPlan struct {
	MicroBatch     int
	AccumSteps     int
	BytesPerMicro  int64
	BytesAvailable int64
}

// PlanMemory derives the micro-batch size for the training loop. It
// starts from the configured accumulation factor and shrinks the
// micro-batch (raising the accumulation factor to compensate) until the
// estimated working set fits the ceiling. If even one sequence per
// micro-batch does not fit, training cannot proceed at any batch size
// and ErrInsufficientMemory is returned; the caller must not retry.
func PlanMemory(cfg *Config, model BaseModel) (*MemoryPlan, error) {
	available := int64(cfg.MemoryCeilingMB) * 1024 * 1024

	for micro := cfg.BatchSize / cfg.AccumSteps; micro >= 1; micro-- {
		if cfg.BatchSize%micro != 0 {
			continue
		}
		need := estimateBytes(cfg, model, micro)
		if need <= available {
			return &MemoryPlan{
				MicroBatch:     micro,
				AccumSteps:     cfg.BatchSize / micro,
				BytesPerMicro:  need,
				BytesAvailable: available,
			}, nil
		}
	}

	need := estimateBytes(cfg, model, 1)
	return nil, fmt.Errorf("%w: one sequence needs ~%d MB, ceiling is %d MB",
		ErrInsufficientMemory, need/(1024*1024), cfg.MemoryCeilingMB)
}

// estimateBytes approximates the accelerator working set for one
// micro-batch: stored activations across the forward pass, the logits of
// the final projection, and the adapter plus optimizer state. Gradient
// checkpointing keeps only segment-boundary activations; mixed precision
// stores activations at half width.
func estimateBytes(cfg *Config, model BaseModel, micro int) int64 {
	bytesPerAct := int64(8)
	if cfg.MixedPrecision {
		bytesPerAct = 2
	}

	hidden := int64(model.HiddenDim())
	seq := int64(cfg.MaxSeqLen)
	vocab := int64(model.VocabSize())

	// Roughly four live activation tensors per layer-equivalent; the tiny
	// synthetic model and a production transformer differ only in the
	// layer count folded into this factor.
	const activationsPerToken = 4
	acts := int64(micro) * seq * hidden * activationsPerToken * bytesPerAct
	if cfg.GradCheckpoint {
		acts /= 4
	}

	logits := int64(micro) * seq * vocab * bytesPerAct

	// Adapter params, their gradients, and two Adam moments, full width.
	adapterParams := 2 * int64(cfg.AdapterRank) * hidden * 2
	adapterState := adapterParams * 4 * 8

	return acts + logits + adapterState
}
