package minuet

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func newTestModel(t *testing.T) *TinyModel {
	t.Helper()
	model, err := NewTinyModel(32, 8, 16, 11)
	if err != nil {
		t.Fatalf("NewTinyModel failed: %v", err)
	}
	return model
}

func testBatch(model *TinyModel, lengths ...int) *Batch {
	rng := rand.New(rand.NewSource(5))
	wins := make([]Window, len(lengths))
	for i, l := range lengths {
		tokens := make([]int, l)
		for j := range tokens {
			tokens[j] = rng.Intn(model.VocabSize() - 2)
		}
		wins[i] = Window{Composer: ComposerChopin, tokens: tokens}
	}
	return newBatch(wins, model.PadTokenID())
}

func TestAttachValidation(t *testing.T) {
	model := newTestModel(t)

	if err := NewAdapterManager(ComposerBach).Attach(model, 0, 16, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for rank 0, got %v", err)
	}
	if err := NewAdapterManager(ComposerBach).Attach(model, 4, 0, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for alpha 0, got %v", err)
	}
	none := func(LayerSpec) bool { return false }
	if err := NewAdapterManager(ComposerBach).Attach(model, 4, 8, none); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for empty selector, got %v", err)
	}

	mgr := NewAdapterManager(ComposerBach)
	if err := mgr.Attach(model, 4, 8, nil); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := mgr.Attach(model, 4, 8, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for double attach, got %v", err)
	}
}

func TestFreshAdaptersAreIdentity(t *testing.T) {
	model := newTestModel(t)
	mgr := NewAdapterManager(ComposerChopin)
	if err := mgr.Attach(model, 4, 8, nil); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	x := make([]float64, model.HiddenDim())
	for i := range x {
		x[i] = float64(i) - 2.5
	}
	for _, id := range []string{"attn_proj", "mlp_proj"} {
		for i, d := range mgr.Delta(id, x) {
			if d != 0 {
				t.Errorf("layer %s: fresh delta[%d] = %g, expected exactly 0", id, i, d)
			}
		}
	}

	// With B zeroed the hooked forward must match the base forward exactly.
	b := testBatch(model, 6, 4)
	base, err := model.Forward(b, nil)
	if err != nil {
		t.Fatalf("base forward failed: %v", err)
	}
	hooked, err := model.Forward(b, mgr.Hook())
	if err != nil {
		t.Fatalf("hooked forward failed: %v", err)
	}
	for i := range base {
		for tPos := range base[i] {
			for v := range base[i][tPos] {
				if base[i][tPos][v] != hooked[i][tPos][v] {
					t.Fatalf("fresh adapters changed logits at [%d][%d][%d]", i, tPos, v)
				}
			}
		}
	}
}

func TestDeltaMath(t *testing.T) {
	model := newTestModel(t)
	mgr := NewAdapterManager(ComposerLiszt)
	// rank 1, alpha 2: scale is 2.
	if err := mgr.Attach(model, 1, 2, nil); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	ad := mgr.adapters["attn_proj"]
	for j := 0; j < model.HiddenDim(); j++ {
		ad.a.Set(0, j, 1)
		ad.b.Set(j, 0, 1)
	}

	x := make([]float64, model.HiddenDim())
	sum := 0.0
	for i := range x {
		x[i] = 0.25 * float64(i+1)
		sum += x[i]
	}
	want := 2 * sum
	for i, d := range mgr.Delta("attn_proj", x) {
		if math.Abs(d-want) > 1e-12 {
			t.Errorf("delta[%d] = %g, expected %g", i, d, want)
		}
	}
}

func TestGradsMath(t *testing.T) {
	model := newTestModel(t)
	mgr := NewAdapterManager(ComposerBach)
	only := func(l LayerSpec) bool { return l.ID == "attn_proj" }
	// rank 1, alpha 3: scale is 3.
	if err := mgr.Attach(model, 1, 3, only); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	ad := mgr.adapters["attn_proj"]
	dim := model.HiddenDim()
	for j := 0; j < dim; j++ {
		ad.a.Set(0, j, 0)
		ad.b.Set(j, 0, 0)
	}
	ad.a.Set(0, 0, 0.5)
	ad.a.Set(0, 1, -1)
	ad.b.Set(0, 0, 2)
	ad.b.Set(1, 0, 0.25)

	x := make([]float64, dim)
	g := make([]float64, dim)
	x[0], x[1] = 1, 2
	g[0], g[1] = 3, -4
	taps := map[string]*LayerTap{
		"attn_proj": {
			Input:      mat.NewDense(dim, 1, x),
			OutputGrad: mat.NewDense(dim, 1, g),
		},
	}

	grads, err := mgr.Grads(taps)
	if err != nil {
		t.Fatalf("Grads failed: %v", err)
	}

	// A*x = -1.5, so dB = 3 * g * (-1.5); B'g = 5, so dA = 3 * 5 * x'.
	if got := grads["attn_proj.B"].At(0, 0); math.Abs(got+13.5) > 1e-12 {
		t.Errorf("dB[0] = %g, expected -13.5", got)
	}
	if got := grads["attn_proj.B"].At(1, 0); math.Abs(got-18) > 1e-12 {
		t.Errorf("dB[1] = %g, expected 18", got)
	}
	if got := grads["attn_proj.A"].At(0, 0); math.Abs(got-15) > 1e-12 {
		t.Errorf("dA[0] = %g, expected 15", got)
	}
	if got := grads["attn_proj.A"].At(0, 1); math.Abs(got-30) > 1e-12 {
		t.Errorf("dA[1] = %g, expected 30", got)
	}

	if _, err := mgr.Grads(map[string]*LayerTap{}); err == nil {
		t.Errorf("expected error for missing layer tap")
	}
}

// TestGradsNumeric checks the assembled adapter gradients against centered
// finite differences of the actual training loss.
func TestGradsNumeric(t *testing.T) {
	model := newTestModel(t)
	mgr := NewAdapterManager(ComposerMozart)
	if err := mgr.Attach(model, 2, 4, nil); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	// Nonzero B so dA does not vanish.
	rng := rand.New(rand.NewSource(17))
	for _, p := range mgr.Parameters() {
		raw := p.RawMatrix().Data
		for i := range raw {
			raw[i] = rng.NormFloat64() * 0.1
		}
	}

	b := testBatch(model, 5, 3)
	opts := PassOptions{LossScale: 1, BackHook: mgr.BackHook()}
	loss := func() float64 {
		res, err := model.ForwardBackward(b, mgr.Hook(), opts)
		if err != nil {
			t.Fatalf("ForwardBackward failed: %v", err)
		}
		return res.Loss
	}

	res, err := model.ForwardBackward(b, mgr.Hook(), opts)
	if err != nil {
		t.Fatalf("ForwardBackward failed: %v", err)
	}
	grads, err := mgr.Grads(res.Taps)
	if err != nil {
		t.Fatalf("Grads failed: %v", err)
	}

	params := mgr.Parameters()
	const eps = 1e-6
	for _, name := range []string{"attn_proj.A", "attn_proj.B", "mlp_proj.A", "mlp_proj.B"} {
		raw := params[name].RawMatrix().Data
		graw := grads[name].RawMatrix().Data
		for _, idx := range []int{0, len(raw) / 2, len(raw) - 1} {
			orig := raw[idx]
			raw[idx] = orig + eps
			up := loss()
			raw[idx] = orig - eps
			down := loss()
			raw[idx] = orig

			numeric := (up - down) / (2 * eps)
			if diff := math.Abs(numeric - graw[idx]); diff > 1e-4+1e-3*math.Abs(numeric) {
				t.Errorf("%s[%d]: analytic grad %g vs numeric %g", name, idx, graw[idx], numeric)
			}
		}
	}
}

func TestMergeUnmergeRoundTrip(t *testing.T) {
	model := newTestModel(t)
	mgr := NewAdapterManager(ComposerChopin)
	if err := mgr.Attach(model, 2, 4, nil); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	rng := rand.New(rand.NewSource(23))
	for _, p := range mgr.Parameters() {
		raw := p.RawMatrix().Data
		for i := range raw {
			raw[i] = rng.NormFloat64() * 0.1
		}
	}

	snapshot := map[string][]float64{}
	for _, spec := range model.Layers() {
		snapshot[spec.ID] = append([]float64(nil), model.LayerWeight(spec.ID).RawMatrix().Data...)
	}

	b := testBatch(model, 6)
	before, err := model.Forward(b, mgr.Hook())
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	if err := mgr.Merge(true); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if mgr.Delta("attn_proj", make([]float64, model.HiddenDim())) != nil {
		t.Errorf("Delta should return nil while merged")
	}
	if err := mgr.Merge(true); err == nil {
		t.Errorf("expected error on double merge")
	}

	// Merged weights with a no-op hook must reproduce the hooked forward.
	after, err := model.Forward(b, mgr.Hook())
	if err != nil {
		t.Fatalf("merged forward failed: %v", err)
	}
	for tPos := range before[0] {
		for v := range before[0][tPos] {
			if math.Abs(before[0][tPos][v]-after[0][tPos][v]) > 1e-9 {
				t.Fatalf("merged logits diverge at [%d][%d]", tPos, v)
			}
		}
	}

	if err := mgr.Unmerge(); err != nil {
		t.Fatalf("Unmerge failed: %v", err)
	}
	for id, want := range snapshot {
		got := model.LayerWeight(id).RawMatrix().Data
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("layer %s: weight %d not restored bit for bit", id, i)
			}
		}
	}
}

func TestUnmergeUnavailable(t *testing.T) {
	model := newTestModel(t)
	mgr := NewAdapterManager(ComposerDebussy)
	if err := mgr.Attach(model, 2, 4, nil); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := mgr.Unmerge(); err == nil {
		t.Errorf("expected error unmerging before merge")
	}
	if err := mgr.Merge(false); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if err := mgr.Unmerge(); !errors.Is(err, ErrUnmergeUnavailable) {
		t.Errorf("expected ErrUnmergeUnavailable after one-way merge, got %v", err)
	}
}

func TestAdapterSaveLoadRoundTrip(t *testing.T) {
	model := newTestModel(t)
	mgr := NewAdapterManager(ComposerScriabin)
	if err := mgr.Attach(model, 2, 4, nil); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	rng := rand.New(rand.NewSource(29))
	for _, p := range mgr.Parameters() {
		raw := p.RawMatrix().Data
		for i := range raw {
			raw[i] = rng.NormFloat64()
		}
	}

	path := filepath.Join(t.TempDir(), "adapter-scriabin.ckpt")
	if err := mgr.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	model2 := newTestModel(t)
	mgr2 := NewAdapterManager(ComposerScriabin)
	if err := mgr2.Attach(model2, 2, 4, nil); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := mgr2.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := mgr.Parameters()
	got := mgr2.Parameters()
	for name, p := range want {
		a, b := p.RawMatrix().Data, got[name].RawMatrix().Data
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("%s: parameter %d not restored exactly", name, i)
			}
		}
	}

	// Rank mismatch must be rejected rather than silently truncated.
	mgr3 := NewAdapterManager(ComposerScriabin)
	if err := mgr3.Attach(newTestModel(t), 4, 8, nil); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := mgr3.Load(path); err == nil {
		t.Errorf("expected error loading rank-2 state into rank-4 adapters")
	}
}
