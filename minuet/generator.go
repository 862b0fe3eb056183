package minuet

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// GenerationContext is the per-request state of one sliding-window
// generation: the prompt, constant composer conditioning, the stitched
// output buffer, and the current window's overlap seed. It is created
// per request and discarded with it; concurrent requests each own their
// own context and share only read-only model and adapter state.
type GenerationContext struct {
	ID       uuid.UUID
	Composer Composer

	prompt  []int
	output  []int
	seed    []int
	windows int
}

// GenerationResult is the outcome of one request.
type GenerationResult struct {
	ID     uuid.UUID
	Tokens []int
	// HitEOS reports that generation stopped on an end-of-sequence token
	// before reaching the requested length. Short output is reported, not
	// an error.
	HitEOS bool
	// Windows is the number of context windows the output spanned.
	Windows int
}

// Generator produces long-form output beyond the model's native context
// by regenerating overlapping windows and stitching them together. Each
// new window is seeded with the last overlap tokens of the previous one,
// and only tokens past the seed enter the stitched output, so the
// overlap region is never duplicated.
type Generator struct {
	model   BaseModel
	hook    AdapterHook
	overlap int
}

// NewGenerator creates a generator with the given continuity overlap.
// hook may be nil (base model only) or an AdapterManager hook; with
// merged adapters the hook is a no-op and the merged weights serve
// directly.
func NewGenerator(model BaseModel, hook AdapterHook, overlap int) (*Generator, error) {
	if overlap < 0 || overlap >= model.ContextLen() {
		return nil, fmt.Errorf("%w: generation overlap %d must be in [0, %d)",
			ErrInvalidConfig, overlap, model.ContextLen())
	}
	return &Generator{model: model, hook: hook, overlap: overlap}, nil
}

// Generate produces up to targetLen tokens beyond the prompt for one
// composer. Sampling parameters pass through unchanged per window.
// Cancellation is honored at window boundaries; generation stops early
// when an end-of-sequence token is sampled.
func (g *Generator) Generate(ctx context.Context, composer Composer, prompt []int, targetLen int, sp *SamplingParams) (*GenerationResult, error) {
	if targetLen <= 0 {
		return nil, fmt.Errorf("%w: target length %d must be positive", ErrInvalidConfig, targetLen)
	}
	if sp == nil {
		return nil, fmt.Errorf("%w: sampling params required", ErrInvalidConfig)
	}

	c := g.model.ContextLen()
	gc := &GenerationContext{
		ID:       uuid.New(),
		Composer: composer,
		prompt:   append([]int(nil), prompt...),
		seed:     windowSeed(prompt, c-1),
	}
	rng := rand.New(rand.NewSource(sp.Seed))

	hitEOS := false
	for len(gc.output) < targetLen && !hitEOS {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hit, err := g.runWindow(gc, targetLen, sp, rng)
		if err != nil {
			return nil, err
		}
		hitEOS = hit
	}

	return &GenerationResult{
		ID:      gc.ID,
		Tokens:  gc.output,
		HitEOS:  hitEOS,
		Windows: gc.windows,
	}, nil
}

// runWindow fills one context window autoregressively. The window seed
// tokens are regenerated context only; every sampled token is appended
// to both the window and the stitched output.
func (g *Generator) runWindow(gc *GenerationContext, targetLen int, sp *SamplingParams, rng *rand.Rand) (bool, error) {
	c := g.model.ContextLen()
	win := append([]int(nil), gc.seed...)
	gc.windows++

	for len(win) < c && len(gc.output) < targetLen {
		logits, err := g.nextLogits(win, gc.Composer)
		if err != nil {
			return false, err
		}
		tok := sp.Sample(logits, rng)
		if tok == g.model.EOSTokenID() && !sp.IgnoreEOS {
			return true, nil
		}
		win = append(win, tok)
		gc.output = append(gc.output, tok)
	}

	gc.seed = windowSeed(win, g.overlap)
	return false, nil
}

// nextLogits runs a single-sequence forward pass and returns the logits
// at the last position. An empty window is primed with the EOS token,
// which doubles as sequence start for the upstream codec vocabulary.
func (g *Generator) nextLogits(win []int, composer Composer) ([]float64, error) {
	if len(win) == 0 {
		win = []int{g.model.EOSTokenID()}
	}
	batch := newBatch([]Window{{Composer: composer, tokens: win}}, g.model.PadTokenID())
	logits, err := g.model.Forward(batch, g.hook)
	if err != nil {
		return nil, err
	}
	return logits[0][len(win)-1], nil
}

// windowSeed returns the last n tokens of s, or all of s when shorter.
func windowSeed(s []int, n int) []int {
	if n <= 0 {
		return nil
	}
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return append([]int(nil), s...)
}
