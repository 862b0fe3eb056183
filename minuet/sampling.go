package minuet

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// SamplingParams configures token sampling. One instance is applied
// unchanged to every window of a generation request, so style stays
// reproducible across window boundaries.
type SamplingParams struct {
	Temperature float64
	TopK        int     // 0 disables top-k filtering
	TopP        float64 // 1 disables nucleus filtering
	IgnoreEOS   bool
	Seed        int64
}

// SamplingOption is a functional option for SamplingParams.
type SamplingOption func(*SamplingParams)

// NewSamplingParams builds validated sampling parameters.
func NewSamplingParams(opts ...SamplingOption) (*SamplingParams, error) {
	sp := &SamplingParams{
		Temperature: 1.0,
		TopK:        0,
		TopP:        1.0,
		Seed:        1,
	}
	for _, opt := range opts {
		opt(sp)
	}
	if sp.Temperature <= 1e-10 {
		return nil, fmt.Errorf("%w: temperature %g too low", ErrInvalidConfig, sp.Temperature)
	}
	if sp.TopK < 0 {
		return nil, fmt.Errorf("%w: top_k %d must be non-negative", ErrInvalidConfig, sp.TopK)
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return nil, fmt.Errorf("%w: top_p %g must be in (0, 1]", ErrInvalidConfig, sp.TopP)
	}
	return sp, nil
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) { sp.Temperature = t }
}

// WithTopK keeps only the k most likely tokens.
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) { sp.TopK = k }
}

// WithTopP keeps the smallest token set with cumulative probability p.
func WithTopP(p float64) SamplingOption {
	return func(sp *SamplingParams) { sp.TopP = p }
}

// WithIgnoreEOS keeps generating past end-of-sequence tokens.
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) { sp.IgnoreEOS = b }
}

// WithSamplingSeed fixes the sampler's random stream.
func WithSamplingSeed(seed int64) SamplingOption {
	return func(sp *SamplingParams) { sp.Seed = seed }
}

// Sample draws one token from logits under the configured policy.
func (sp *SamplingParams) Sample(logits []float64, rng *rand.Rand) int {
	scaled := make([]float64, len(logits))
	copy(scaled, logits)
	if sp.Temperature != 1.0 {
		for i := range scaled {
			scaled[i] /= sp.Temperature
		}
	}

	probs := softmax(scaled)
	if sp.TopK > 0 && sp.TopK < len(probs) {
		probs = topKFilter(probs, sp.TopK)
	}
	if sp.TopP < 1.0 {
		probs = topPFilter(probs, sp.TopP)
	}

	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	if sum <= 0 || math.IsNaN(sum) {
		// Degenerate distribution: fall back to the argmax of the logits.
		best := 0
		for i, v := range logits {
			if v > logits[best] {
				best = i
			}
		}
		return best
	}

	cum := make([]float64, len(probs))
	running := 0.0
	for i, p := range probs {
		running += p
		cum[i] = running
	}
	r := rng.Float64() * running
	idx := sort.SearchFloat64s(cum, r)
	if idx >= len(probs) {
		idx = len(probs) - 1
	}
	return idx
}

// topKFilter zeroes everything outside the k highest probabilities.
func topKFilter(probs []float64, k int) []float64 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return probs[idx[i]] > probs[idx[j]] })

	out := make([]float64, len(probs))
	for i := 0; i < k; i++ {
		out[idx[i]] = probs[idx[i]]
	}
	return out
}

// topPFilter keeps the smallest prefix of the sorted distribution whose
// cumulative probability reaches p.
func topPFilter(probs []float64, p float64) []float64 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return probs[idx[i]] > probs[idx[j]] })

	out := make([]float64, len(probs))
	cum := 0.0
	for _, i := range idx {
		out[i] = probs[i]
		cum += probs[i]
		if cum >= p {
			break
		}
	}
	return out
}
