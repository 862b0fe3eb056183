package minuet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/mat"
)

// TrainingState tracks training progress. It is mutated once per
// micro-batch and captured whole in every disk checkpoint.
type TrainingState struct {
	// Step counts completed optimizer updates.
	Step int
	// MicroStep counts consumed micro-batches. Checkpoints are only taken
	// at accumulation boundaries, so a restored MicroStep is always a
	// multiple of the accumulation factor.
	MicroStep int
	// RunningLoss is an exponential moving average of the step loss.
	RunningLoss float64
	// SkippedSteps counts optimizer steps discarded due to gradient
	// overflow under mixed precision.
	SkippedSteps int
	// MicroBatch is the memory-derived micro-batch size in use.
	MicroBatch int
}

// Trainer drives memory-budgeted adapter fine-tuning: gradient
// accumulation over micro-batches, dynamic loss scaling under mixed
// precision, optional activation recomputation, and periodic disk
// checkpoints. Only adapter parameters ever receive updates.
type Trainer struct {
	cfg      *Config
	model    TrainableModel
	adapters *AdapterManager
	opt      *AdamW
	sched    *LRSchedule
	scaler   *LossScaler
	plan     *MemoryPlan

	state    TrainingState
	lastCkpt string

	// Progress enables a progress bar on Run.
	Progress bool
}

// NewTrainer plans the memory budget and wires the optimizer and loss
// scaler. Fails with ErrInsufficientMemory when the ceiling cannot fit
// even a single-sequence micro-batch, and with ErrInvalidConfig when the
// manager has no attached adapters.
func NewTrainer(cfg *Config, model TrainableModel, adapters *AdapterManager) (*Trainer, error) {
	params := adapters.Parameters()
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: no adapters attached", ErrInvalidConfig)
	}
	plan, err := PlanMemory(cfg, model)
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:      cfg,
		model:    model,
		adapters: adapters,
		opt:      NewAdamW(params, cfg.Beta1, cfg.Beta2, cfg.Epsilon, cfg.WeightDecay),
		sched:    NewLRSchedule(cfg.LearningRate, cfg.MinLR, cfg.WarmupSteps, cfg.DecaySteps),
		scaler:   NewLossScaler(cfg.MixedPrecision),
		plan:     plan,
	}
	t.state.MicroBatch = plan.MicroBatch
	return t, nil
}

// State returns a copy of the current training counters.
func (t *Trainer) State() TrainingState { return t.state }

// MicroBatchSize returns the memory-derived micro-batch size; the batch
// assembler feeding Run must be configured with it.
func (t *Trainer) MicroBatchSize() int { return t.plan.MicroBatch }

// LastCheckpoint returns the path of the most recent disk checkpoint, or
// "" if none was written yet.
func (t *Trainer) LastCheckpoint() string { return t.lastCkpt }

// Run trains for the given number of epochs, or until MaxSteps. The
// context is honored at micro-batch boundaries only, keeping
// TrainingState consistent on cancellation.
func (t *Trainer) Run(ctx context.Context, asm *BatchAssembler, epochs int) error {
	for epoch := 0; epoch < epochs; epoch++ {
		asm.StartEpoch()

		var bar *progressbar.ProgressBar
		if t.Progress {
			bar = progressbar.NewOptions(asm.NumBatches(),
				progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch+1, epochs)),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
			)
		}

		for {
			err := t.step(ctx, asm, bar)
			if errors.Is(err, ErrEmptyBatch) {
				break
			}
			if err != nil {
				return err
			}
			if bar != nil {
				bar.Describe(fmt.Sprintf("epoch %d/%d [step %d loss %.4f scale %g]",
					epoch+1, epochs, t.state.Step, t.state.RunningLoss, t.scaler.Scale()))
			}
			if t.cfg.MaxSteps > 0 && t.state.Step >= t.cfg.MaxSteps {
				if bar != nil {
					bar.Finish()
				}
				return nil
			}
		}
		if bar != nil {
			bar.Finish()
		}
	}
	return nil
}

// step consumes up to one accumulation round of micro-batches and, if
// gradients stayed finite, applies one optimizer update. Gradients are
// summed across micro-batches and scaled by 1/K before the update, so
// the result matches a single batch of size MicroBatch*K. Returns
// ErrEmptyBatch when the epoch is drained before any micro-batch was
// consumed.
func (t *Trainer) step(ctx context.Context, asm *BatchAssembler, bar *progressbar.ProgressBar) error {
	params := t.adapters.Parameters()
	accum := zeroLike(params)
	usedScale := t.scaler.Scale()

	consumed := 0
	lossSum := 0.0
	for k := 0; k < t.plan.AccumSteps; k++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := asm.NextBatch()
		if err != nil {
			if consumed == 0 {
				return err
			}
			// End of epoch mid-accumulation: update with the micro-batches
			// seen, scaled by their actual count.
			break
		}
		if batch.Size() > t.plan.MicroBatch {
			return fmt.Errorf("%w: assembler batch size %d exceeds planned micro-batch %d",
				ErrInvalidConfig, batch.Size(), t.plan.MicroBatch)
		}

		res, err := t.model.ForwardBackward(batch, t.adapters.Hook(), PassOptions{
			LossScale:     usedScale,
			HalfPrecision: t.cfg.MixedPrecision,
			Recompute:     t.cfg.GradCheckpoint,
			BackHook:      t.adapters.BackHook(),
		})
		if err != nil {
			return err
		}
		grads, err := t.adapters.Grads(res.Taps)
		if err != nil {
			return err
		}
		addInto(accum, grads)
		lossSum += res.Loss
		consumed++
		t.state.MicroStep++
		if bar != nil {
			bar.Add(1)
		}
	}

	if nonFinite(accum) || math.IsNaN(lossSum) || math.IsInf(lossSum, 0) {
		// Overflowed step: halve the scale and discard the accumulated
		// gradients without advancing the optimizer.
		t.state.SkippedSteps++
		if err := t.scaler.Update(true); err != nil {
			return t.fatal(err)
		}
		return nil
	}
	if err := t.scaler.Update(false); err != nil {
		return t.fatal(err)
	}

	scaleGrads(accum, 1.0/(usedScale*float64(consumed)))
	clipGradients(accum, t.cfg.ClipNorm)
	t.opt.Step(params, accum, t.sched.Next())
	t.state.Step++

	meanLoss := lossSum / float64(consumed)
	if t.state.Step == 1 {
		t.state.RunningLoss = meanLoss
	} else {
		t.state.RunningLoss = 0.9*t.state.RunningLoss + 0.1*meanLoss
	}

	if t.state.Step%t.cfg.CheckpointInterval == 0 {
		if err := t.Checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint writes a full training checkpoint plus the adapter-only
// file for this composer. Always called at an accumulation boundary.
func (t *Trainer) Checkpoint() error {
	scale, stable := t.scaler.snapshot()
	ck := &TrainerCheckpoint{
		Adapter:     t.adapters.State(),
		Optimizer:   t.opt.State(),
		State:       t.state,
		LossScale:   scale,
		ScaleStable: stable,
		SavedAt:     time.Now(),
	}
	path := CheckpointPath(t.cfg.CheckpointDir, t.adapters.Composer(), t.state.Step)
	if err := writeState(path, ck); err != nil {
		return err
	}
	if err := t.adapters.Save(AdapterPath(t.cfg.CheckpointDir, t.adapters.Composer())); err != nil {
		return err
	}
	t.lastCkpt = path
	return nil
}

// Resume restores a checkpoint written by Checkpoint. Training continues
// from the exact accumulation boundary the checkpoint captured.
func (t *Trainer) Resume(path string) error {
	var ck TrainerCheckpoint
	if err := readState(path, &ck); err != nil {
		return err
	}
	if err := t.adapters.LoadState(ck.Adapter); err != nil {
		return err
	}
	if err := t.opt.LoadState(ck.Optimizer); err != nil {
		return err
	}
	t.state = ck.State
	t.state.MicroBatch = t.plan.MicroBatch
	t.scaler.restore(ck.LossScale, ck.ScaleStable)
	t.sched.step = ck.State.Step
	t.lastCkpt = path
	return nil
}

// fatal decorates a halting error with the last stable checkpoint
// reference for the caller.
func (t *Trainer) fatal(err error) error {
	ref := t.lastCkpt
	if ref == "" {
		ref = "none"
	}
	return fmt.Errorf("%w (last stable checkpoint: %s)", err, ref)
}

func zeroLike(params map[string]*mat.Dense) map[string]*mat.Dense {
	out := make(map[string]*mat.Dense, len(params))
	for name, p := range params {
		r, c := p.Dims()
		out[name] = mat.NewDense(r, c, nil)
	}
	return out
}

func addInto(dst, src map[string]*mat.Dense) {
	for name, g := range src {
		dst[name].Add(dst[name], g)
	}
}

func scaleGrads(grads map[string]*mat.Dense, f float64) {
	for _, g := range grads {
		g.Scale(f, g)
	}
}
