package minuet

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// TinyModel is a small synthetic transformer stand-in: an embedding with
// composer conditioning, two adaptable projection layers with a tanh in
// between, and a frozen output head. It exists so the training loop,
// adapter math, and generator can be exercised end to end with honest
// numerics and no accelerator. Real runs plug a production model in
// behind the same interfaces.
type TinyModel struct {
	vocab  int
	dim    int
	ctxLen int
	padID  int
	eosID  int
	embed  *mat.Dense // vocab x dim, frozen
	cond   *mat.Dense // NumComposers x dim, frozen
	w1     *mat.Dense // dim x dim, layer "attn_proj", working copy
	w2     *mat.Dense // dim x dim, layer "mlp_proj", working copy
	head   *mat.Dense // vocab x dim, frozen
}

// NewTinyModel builds a deterministic model for the given vocabulary,
// width and context length. The pad token is vocab-1 and EOS is vocab-2.
func NewTinyModel(vocab, dim, ctxLen int, seed int64) (*TinyModel, error) {
	if vocab < 4 || dim <= 0 || ctxLen <= 1 {
		return nil, fmt.Errorf("%w: tiny model needs vocab >= 4, dim > 0, context > 1", ErrInvalidConfig)
	}
	rng := rand.New(rand.NewSource(seed))
	gauss := func(r, c int, scale float64) *mat.Dense {
		d := mat.NewDense(r, c, nil)
		raw := d.RawMatrix().Data
		for i := range raw {
			raw[i] = rng.NormFloat64() * scale
		}
		return d
	}
	return &TinyModel{
		vocab:  vocab,
		dim:    dim,
		ctxLen: ctxLen,
		padID:  vocab - 1,
		eosID:  vocab - 2,
		embed:  gauss(vocab, dim, 0.1),
		cond:   gauss(NumComposers(), dim, 0.1),
		w1:     gauss(dim, dim, 0.2),
		w2:     gauss(dim, dim, 0.2),
		head:   gauss(vocab, dim, 0.1),
	}, nil
}

func (m *TinyModel) ContextLen() int { return m.ctxLen }
func (m *TinyModel) VocabSize() int  { return m.vocab }
func (m *TinyModel) HiddenDim() int  { return m.dim }
func (m *TinyModel) PadTokenID() int { return m.padID }
func (m *TinyModel) EOSTokenID() int { return m.eosID }

// Layers lists the two adaptable projections.
func (m *TinyModel) Layers() []LayerSpec {
	return []LayerSpec{
		{ID: "attn_proj", InDim: m.dim, OutDim: m.dim},
		{ID: "mlp_proj", InDim: m.dim, OutDim: m.dim},
	}
}

// LayerWeight exposes the working copy of an adaptable layer's weight.
func (m *TinyModel) LayerWeight(id string) *mat.Dense {
	switch id {
	case "attn_proj":
		return m.w1
	case "mlp_proj":
		return m.w2
	}
	return nil
}

// matVec computes w*x into a fresh slice.
func matVec(w *mat.Dense, x []float64) []float64 {
	r, c := w.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		s := 0.0
		for j := 0; j < c; j++ {
			s += w.At(i, j) * x[j]
		}
		out[i] = s
	}
	return out
}

// matTVec computes wᵀ*x into a fresh slice.
func matTVec(w *mat.Dense, x []float64) []float64 {
	r, c := w.Dims()
	out := make([]float64, c)
	for j := 0; j < c; j++ {
		s := 0.0
		for i := 0; i < r; i++ {
			s += w.At(i, j) * x[i]
		}
		out[j] = s
	}
	return out
}

// acts holds the per-position activations the backward pass needs.
type acts struct {
	x0     []float64 // embedding + conditioning, input of attn_proj
	h1     []float64 // tanh output, input of mlp_proj
	logits []float64
}

// forwardPos runs the frozen forward path for one position.
func (m *TinyModel) forwardPos(token, composerID int, hook AdapterHook, half bool) acts {
	x0 := make([]float64, m.dim)
	for j := 0; j < m.dim; j++ {
		x0[j] = m.embed.At(token, j) + m.cond.At(composerID, j)
	}
	if half {
		round16Vec(x0)
	}

	z1 := matVec(m.w1, x0)
	if hook != nil {
		if d := hook("attn_proj", x0); d != nil {
			for j := range z1 {
				z1[j] += d[j]
			}
		}
	}
	h1 := make([]float64, m.dim)
	for j := range z1 {
		h1[j] = math.Tanh(z1[j])
	}
	if half {
		round16Vec(h1)
	}

	y := matVec(m.w2, h1)
	if hook != nil {
		if d := hook("mlp_proj", h1); d != nil {
			for j := range y {
				y[j] += d[j]
			}
		}
	}
	if half {
		round16Vec(y)
	}

	logits := matVec(m.head, y)
	if half {
		round16Vec(logits)
	}
	return acts{x0: x0, h1: h1, logits: logits}
}

// Forward computes logits for every real position in the batch. Entries
// past a window's length are nil.
func (m *TinyModel) Forward(b *Batch, hook AdapterHook) ([][][]float64, error) {
	out := make([][][]float64, b.Size())
	for i := 0; i < b.Size(); i++ {
		if b.Lengths[i] > m.ctxLen {
			return nil, fmt.Errorf("window length %d exceeds context %d", b.Lengths[i], m.ctxLen)
		}
		rows := make([][]float64, len(b.TokenIDs[i]))
		for t := 0; t < b.Lengths[i]; t++ {
			a := m.forwardPos(b.TokenIDs[i][t], b.ComposerIDs[i], hook, false)
			rows[t] = a.logits
		}
		out[i] = rows
	}
	return out, nil
}

// lossPos identifies one position contributing to the loss.
type lossPos struct {
	seq, t, target int
}

// ForwardBackward runs the training pass. Loss is next-token masked
// cross-entropy averaged over contributing positions; padded positions
// are excluded entirely. With opts.Recompute the forward activations are
// discarded and rebuilt during backward, which changes memory use but not
// the result.
func (m *TinyModel) ForwardBackward(b *Batch, hook AdapterHook, opts PassOptions) (*PassResult, error) {
	scale := opts.LossScale
	if scale <= 0 {
		scale = 1
	}

	var positions []lossPos
	for i := 0; i < b.Size(); i++ {
		if b.Lengths[i] > m.ctxLen {
			return nil, fmt.Errorf("window length %d exceeds context %d", b.Lengths[i], m.ctxLen)
		}
		for t := 0; t+1 < len(b.TokenIDs[i]); t++ {
			if b.AttentionMask[i][t] == 1 && b.AttentionMask[i][t+1] == 1 {
				positions = append(positions, lossPos{seq: i, t: t, target: b.TokenIDs[i][t+1]})
			}
		}
	}
	if len(positions) == 0 {
		return &PassResult{Taps: map[string]*LayerTap{}}, nil
	}
	n := len(positions)

	var cached []acts
	if !opts.Recompute {
		cached = make([]acts, n)
	}

	totalLoss := 0.0
	for k, p := range positions {
		a := m.forwardPos(b.TokenIDs[p.seq][p.t], b.ComposerIDs[p.seq], hook, opts.HalfPrecision)
		totalLoss += crossEntropy(a.logits, p.target)
		if cached != nil {
			cached[k] = a
		}
	}
	meanLoss := totalLoss / float64(n)

	tapAttn := &LayerTap{
		Input:      mat.NewDense(m.dim, n, nil),
		OutputGrad: mat.NewDense(m.dim, n, nil),
	}
	tapMLP := &LayerTap{
		Input:      mat.NewDense(m.dim, n, nil),
		OutputGrad: mat.NewDense(m.dim, n, nil),
	}

	for k, p := range positions {
		var a acts
		if cached != nil {
			a = cached[k]
		} else {
			a = m.forwardPos(b.TokenIDs[p.seq][p.t], b.ComposerIDs[p.seq], hook, opts.HalfPrecision)
		}

		// d(mean CE)/d(logits), loss-scaled.
		probs := softmax(a.logits)
		dlogits := probs
		dlogits[p.target] -= 1
		f := scale / float64(n)
		for j := range dlogits {
			dlogits[j] *= f
		}

		gy := matTVec(m.head, dlogits)
		if opts.HalfPrecision {
			round16Vec(gy)
		}
		gh1 := matTVec(m.w2, gy)
		if opts.BackHook != nil {
			if extra := opts.BackHook("mlp_proj", gy); extra != nil {
				for j := range gh1 {
					gh1[j] += extra[j]
				}
			}
		}
		gz1 := make([]float64, m.dim)
		for j := range gh1 {
			gz1[j] = gh1[j] * (1 - a.h1[j]*a.h1[j])
		}
		if opts.HalfPrecision {
			round16Vec(gz1)
		}

		for j := 0; j < m.dim; j++ {
			tapMLP.Input.Set(j, k, a.h1[j])
			tapMLP.OutputGrad.Set(j, k, gy[j])
			tapAttn.Input.Set(j, k, a.x0[j])
			tapAttn.OutputGrad.Set(j, k, gz1[j])
		}
	}

	return &PassResult{
		Loss:      meanLoss,
		Positions: n,
		Taps: map[string]*LayerTap{
			"attn_proj": tapAttn,
			"mlp_proj":  tapMLP,
		},
	}, nil
}

// crossEntropy computes -log softmax(logits)[target] with the usual
// max-shift for stability.
func crossEntropy(logits []float64, target int) float64 {
	maxL := logits[0]
	for _, v := range logits[1:] {
		if v > maxL {
			maxL = v
		}
	}
	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(v - maxL)
	}
	return maxL + math.Log(sum) - logits[target]
}

func softmax(logits []float64) []float64 {
	maxL := logits[0]
	for _, v := range logits[1:] {
		if v > maxL {
			maxL = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxL)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
