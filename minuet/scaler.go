package minuet

import "fmt"

// Loss scaling bounds. The scale starts at 2^10, halves on overflow and
// doubles after a run of stable steps. Falling below the floor means
// repeated reductions never produced finite gradients.
const (
	defaultLossScale = 1024.0
	minLossScale     = 1.0 / 16.0
	maxLossScale     = 65536.0
	scaleGrowthSteps = 200
)

// LossScaler implements dynamic loss scaling for mixed precision.
// Overflowed steps are discarded silently; only persistent overflow
// across repeated scale reductions surfaces as ErrDivergedTraining.
type LossScaler struct {
	enabled bool
	scale   float64
	stable  int
}

// NewLossScaler creates a scaler. Disabled scalers report a scale of 1
// and never signal divergence.
func NewLossScaler(enabled bool) *LossScaler {
	return &LossScaler{enabled: enabled, scale: defaultLossScale}
}

// Scale returns the current loss scale factor.
func (s *LossScaler) Scale() float64 {
	if !s.enabled {
		return 1
	}
	return s.scale
}

// Update records the outcome of one optimizer step. On overflow the
// scale is halved and the caller must skip the step; after
// scaleGrowthSteps consecutive stable steps the scale doubles. Returns
// ErrDivergedTraining once the scale falls through its floor.
func (s *LossScaler) Update(overflow bool) error {
	if !s.enabled {
		if overflow {
			return fmt.Errorf("%w: non-finite gradients with loss scaling disabled", ErrDivergedTraining)
		}
		return nil
	}
	if overflow {
		s.scale /= 2
		s.stable = 0
		if s.scale < minLossScale {
			return fmt.Errorf("%w: loss scale fell below %g", ErrDivergedTraining, minLossScale)
		}
		return nil
	}
	s.stable++
	if s.stable >= scaleGrowthSteps && s.scale*2 <= maxLossScale {
		s.scale *= 2
		s.stable = 0
	}
	return nil
}

// snapshot and restore support exact checkpoint resume.
func (s *LossScaler) snapshot() (scale float64, stable int) {
	return s.scale, s.stable
}

func (s *LossScaler) restore(scale float64, stable int) {
	if scale > 0 {
		s.scale = scale
	}
	s.stable = stable
}
