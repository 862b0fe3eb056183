package minuet

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// AdamW optimizes the adapter matrices. Weight decay is decoupled from
// the gradient in the usual AdamW form. Only adapter parameters are ever
// passed here; base weights receive no updates.
type AdamW struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	step int
	m    map[string][]float64
	v    map[string][]float64
}

// AdamWState is the serializable optimizer state.
type AdamWState struct {
	Step int
	M    map[string][]float64
	V    map[string][]float64
}

// NewAdamW creates the optimizer with moment buffers matching params.
func NewAdamW(params map[string]*mat.Dense, beta1, beta2, epsilon, weightDecay float64) *AdamW {
	m := make(map[string][]float64, len(params))
	v := make(map[string][]float64, len(params))
	for name, p := range params {
		n := len(p.RawMatrix().Data)
		m[name] = make([]float64, n)
		v[name] = make([]float64, n)
	}
	return &AdamW{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// Step applies one bias-corrected update to every parameter.
func (o *AdamW) Step(params, grads map[string]*mat.Dense, lr float64) {
	o.step++
	bias1 := 1.0 - math.Pow(o.beta1, float64(o.step))
	bias2 := 1.0 - math.Pow(o.beta2, float64(o.step))

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := params[name].RawMatrix().Data
		g := grads[name].RawMatrix().Data
		m := o.m[name]
		v := o.v[name]
		for i := range p {
			m[i] = o.beta1*m[i] + (1.0-o.beta1)*g[i]
			v[i] = o.beta2*v[i] + (1.0-o.beta2)*g[i]*g[i]
			mHat := m[i] / bias1
			vHat := v[i] / bias2
			p[i] -= lr * (mHat/(math.Sqrt(vHat)+o.epsilon) + o.weightDecay*p[i])
		}
	}
}

// State snapshots the moments and step counter.
func (o *AdamW) State() *AdamWState {
	st := &AdamWState{
		Step: o.step,
		M:    make(map[string][]float64, len(o.m)),
		V:    make(map[string][]float64, len(o.v)),
	}
	for name, m := range o.m {
		st.M[name] = append([]float64(nil), m...)
	}
	for name, v := range o.v {
		st.V[name] = append([]float64(nil), v...)
	}
	return st
}

// LoadState restores a snapshot taken with State.
func (o *AdamW) LoadState(st *AdamWState) error {
	for name, m := range st.M {
		dst, ok := o.m[name]
		if !ok || len(dst) != len(m) {
			return fmt.Errorf("optimizer state mismatch for %q", name)
		}
		copy(dst, m)
	}
	for name, v := range st.V {
		dst, ok := o.v[name]
		if !ok || len(dst) != len(v) {
			return fmt.Errorf("optimizer state mismatch for %q", name)
		}
		copy(dst, v)
	}
	o.step = st.Step
	return nil
}

// clipGradients scales grads so their global L2 norm does not exceed
// maxNorm. Returns the pre-clip norm.
func clipGradients(grads map[string]*mat.Dense, maxNorm float64) float64 {
	norm := 0.0
	for _, g := range grads {
		for _, v := range g.RawMatrix().Data {
			norm += v * v
		}
	}
	norm = math.Sqrt(norm)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for _, g := range grads {
			raw := g.RawMatrix().Data
			for i := range raw {
				raw[i] *= scale
			}
		}
	}
	return norm
}

// LRSchedule is a linear-warmup cosine-decay learning rate schedule.
type LRSchedule struct {
	baseLR      float64
	minLR       float64
	warmupSteps int
	decaySteps  int
	step        int
}

// NewLRSchedule creates a schedule. With warmupSteps and decaySteps both
// zero the rate is constant at baseLR.
func NewLRSchedule(baseLR, minLR float64, warmupSteps, decaySteps int) *LRSchedule {
	return &LRSchedule{
		baseLR:      baseLR,
		minLR:       minLR,
		warmupSteps: warmupSteps,
		decaySteps:  decaySteps,
	}
}

// Next advances the schedule and returns the learning rate for the
// upcoming optimizer step.
func (s *LRSchedule) Next() float64 {
	s.step++
	if s.warmupSteps == 0 && s.decaySteps == 0 {
		return s.baseLR
	}
	if s.step < s.warmupSteps {
		return s.baseLR * float64(s.step) / float64(s.warmupSteps)
	}
	if s.step < s.decaySteps {
		progress := float64(s.step-s.warmupSteps) / float64(s.decaySteps-s.warmupSteps)
		cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
		return s.minLR + (s.baseLR-s.minLR)*cosine
	}
	return s.minLR
}
