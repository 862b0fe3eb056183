package minuet

import "errors"

// Sentinel errors for the training and generation pipeline. Callers match
// with errors.Is; wrapped messages carry the offending values.
var (
	// ErrInvalidConfig is returned for bad windowing or training parameters,
	// rejected before any work starts.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrEmptyBatch signals that no windows remain in the assembler pool.
	// This is the normal end-of-epoch condition, not a fatal error.
	ErrEmptyBatch = errors.New("no windows remaining")

	// ErrUnmergeUnavailable is returned when Unmerge is called without a
	// retained pre-merge copy of the base weights.
	ErrUnmergeUnavailable = errors.New("unmerge unavailable: pre-merge weights not retained")

	// ErrDivergedTraining is fatal: the loss scale hit its floor after
	// repeated overflow reductions and gradients are still non-finite.
	ErrDivergedTraining = errors.New("training diverged")

	// ErrInsufficientMemory is fatal: even a micro-batch of one sequence
	// exceeds the configured memory ceiling. Not retried.
	ErrInsufficientMemory = errors.New("insufficient memory for minimum micro-batch")
)
