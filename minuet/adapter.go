package minuet

import (
	"fmt"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// adapter is one low-rank pair layered onto a frozen base layer.
// The correction for input x is scale * B*(A*x).
type adapter struct {
	layer LayerSpec
	a     *mat.Dense // rank x InDim, small random init
	b     *mat.Dense // OutDim x rank, zero init so training starts at identity
}

// AdapterLayerState is the serializable form of one adapter pair.
type AdapterLayerState struct {
	ID     string
	InDim  int
	OutDim int
	A      []float64
	B      []float64
}

// AdapterState is the persisted adapter-only checkpoint payload, keyed by
// composer so one frozen base can serve one adapter set per composer.
type AdapterState struct {
	Composer Composer
	Rank     int
	Alpha    float64
	Layers   []AdapterLayerState
}

// AdapterManager owns the low-rank adapter parameters layered onto a
// frozen base model. The base model's weights are referenced but never
// mutated; Merge operates on the model's working copies and is explicitly
// one-way unless the caller opts into retaining pre-merge copies.
type AdapterManager struct {
	composer Composer
	rank     int
	alpha    float64
	model    TrainableModel
	adapters map[string]*adapter
	order    []string
	merged   bool
	retained map[string]*mat.Dense
}

// NewAdapterManager creates an empty manager for one composer's adapter
// set. Attach installs the adapters.
func NewAdapterManager(composer Composer) *AdapterManager {
	return &AdapterManager{
		composer: composer,
		adapters: make(map[string]*adapter),
	}
}

// Composer returns the composer identity this adapter set is keyed by.
func (m *AdapterManager) Composer() Composer { return m.composer }

// Rank returns the adapter rank r.
func (m *AdapterManager) Rank() int { return m.rank }

// Scale returns the effective correction scale alpha/r.
func (m *AdapterManager) Scale() float64 {
	if m.rank <= 0 {
		return 0
	}
	return m.alpha / float64(m.rank)
}

// Attach installs adapter pairs on every model layer matching selector.
// A is initialized with small gaussian values and B with zeros, so the
// correction starts at exactly zero. A nil selector matches all layers.
func (m *AdapterManager) Attach(model TrainableModel, rank int, alpha float64, selector func(LayerSpec) bool) error {
	if rank <= 0 {
		return fmt.Errorf("%w: adapter rank %d must be positive", ErrInvalidConfig, rank)
	}
	if alpha <= 0 {
		return fmt.Errorf("%w: adapter alpha %g must be positive", ErrInvalidConfig, alpha)
	}
	if len(m.adapters) > 0 {
		return fmt.Errorf("%w: adapters already attached", ErrInvalidConfig)
	}

	rng := rand.New(rand.NewSource(int64(m.composer) + 1))
	for _, spec := range model.Layers() {
		if selector != nil && !selector(spec) {
			continue
		}
		a := mat.NewDense(rank, spec.InDim, nil)
		raw := a.RawMatrix().Data
		for i := range raw {
			raw[i] = rng.NormFloat64() * 0.02
		}
		m.adapters[spec.ID] = &adapter{
			layer: spec,
			a:     a,
			b:     mat.NewDense(spec.OutDim, rank, nil),
		}
		m.order = append(m.order, spec.ID)
	}
	if len(m.adapters) == 0 {
		return fmt.Errorf("%w: target layer selector matched no layers", ErrInvalidConfig)
	}
	sort.Strings(m.order)
	m.model = model
	m.rank = rank
	m.alpha = alpha
	return nil
}

// Delta computes the low-rank correction scale*B*A*x for one layer, or
// nil when the layer has no adapter or the adapters are merged into the
// base weights.
func (m *AdapterManager) Delta(layerID string, x []float64) []float64 {
	if m.merged {
		return nil
	}
	ad, ok := m.adapters[layerID]
	if !ok {
		return nil
	}
	s := m.Scale()
	rank, in := ad.a.Dims()
	ax := make([]float64, rank)
	for i := 0; i < rank; i++ {
		sum := 0.0
		for j := 0; j < in; j++ {
			sum += ad.a.At(i, j) * x[j]
		}
		ax[i] = sum
	}
	out, _ := ad.b.Dims()
	delta := make([]float64, out)
	for i := 0; i < out; i++ {
		sum := 0.0
		for j := 0; j < rank; j++ {
			sum += ad.b.At(i, j) * ax[j]
		}
		delta[i] = s * sum
	}
	return delta
}

// Hook returns the AdapterHook form of Delta for threading through model
// forward passes.
func (m *AdapterManager) Hook() AdapterHook {
	return m.Delta
}

// DeltaGrad backpropagates an output gradient through one layer's
// correction, returning scale*Aᵀ*Bᵀ*g. Like Delta it returns nil for
// unadapted layers and while merged.
func (m *AdapterManager) DeltaGrad(layerID string, g []float64) []float64 {
	if m.merged {
		return nil
	}
	ad, ok := m.adapters[layerID]
	if !ok {
		return nil
	}
	s := m.Scale()
	out, rank := ad.b.Dims()
	btg := make([]float64, rank)
	for j := 0; j < rank; j++ {
		sum := 0.0
		for i := 0; i < out; i++ {
			sum += ad.b.At(i, j) * g[i]
		}
		btg[j] = sum
	}
	_, in := ad.a.Dims()
	gx := make([]float64, in)
	for j := 0; j < in; j++ {
		sum := 0.0
		for i := 0; i < rank; i++ {
			sum += ad.a.At(i, j) * btg[i]
		}
		gx[j] = s * sum
	}
	return gx
}

// BackHook returns the AdapterBackHook form of DeltaGrad.
func (m *AdapterManager) BackHook() AdapterBackHook {
	return m.DeltaGrad
}

// Parameters returns the live adapter matrices keyed "<layer>.A" and
// "<layer>.B", in the form the optimizer consumes.
func (m *AdapterManager) Parameters() map[string]*mat.Dense {
	params := make(map[string]*mat.Dense, 2*len(m.adapters))
	for id, ad := range m.adapters {
		params[id+".A"] = ad.a
		params[id+".B"] = ad.b
	}
	return params
}

// Grads assembles adapter gradients from the model's layer taps. For a
// tap with inputs X and output gradients G:
//
//	dB = scale * G * (A*X)ᵀ
//	dA = scale * Bᵀ * G * Xᵀ
//
// Keys match Parameters.
func (m *AdapterManager) Grads(taps map[string]*LayerTap) (map[string]*mat.Dense, error) {
	grads := make(map[string]*mat.Dense, 2*len(m.adapters))
	s := m.Scale()
	for id, ad := range m.adapters {
		tap, ok := taps[id]
		if !ok {
			return nil, fmt.Errorf("missing tap for adapted layer %q", id)
		}

		var ax mat.Dense // rank x n
		ax.Mul(ad.a, tap.Input)

		var db mat.Dense // OutDim x rank
		db.Mul(tap.OutputGrad, ax.T())
		db.Scale(s, &db)

		var btg mat.Dense // rank x n
		btg.Mul(ad.b.T(), tap.OutputGrad)
		var da mat.Dense // rank x InDim
		da.Mul(&btg, tap.Input.T())
		da.Scale(s, &da)

		grads[id+".A"] = &da
		grads[id+".B"] = &db
	}
	return grads, nil
}

// Merge folds every adapter correction into the model's working weight
// copies for faster inference. When retain is true, pre-merge copies are
// kept so Unmerge can restore them; otherwise the merge is one-way.
// While merged, Delta returns nil so corrections are not applied twice.
func (m *AdapterManager) Merge(retain bool) error {
	if m.merged {
		return fmt.Errorf("adapters already merged")
	}
	mm, ok := m.model.(MergeableModel)
	if !ok {
		return fmt.Errorf("model does not expose mergeable layer weights")
	}
	var retained map[string]*mat.Dense
	if retain {
		retained = make(map[string]*mat.Dense, len(m.adapters))
	}
	s := m.Scale()
	for _, id := range m.order {
		ad := m.adapters[id]
		w := mm.LayerWeight(id)
		if w == nil {
			return fmt.Errorf("model has no weight for layer %q", id)
		}
		if retain {
			var cp mat.Dense
			cp.CloneFrom(w)
			retained[id] = &cp
		}
		var ba mat.Dense // OutDim x InDim
		ba.Mul(ad.b, ad.a)
		ba.Scale(s, &ba)
		w.Add(w, &ba)
	}
	m.retained = retained
	m.merged = true
	return nil
}

// Unmerge restores the pre-merge base weights. It is only valid when
// Merge was called with retain; otherwise ErrUnmergeUnavailable.
// Restoring from the retained copies reproduces the weights bit for bit.
func (m *AdapterManager) Unmerge() error {
	if !m.merged {
		return fmt.Errorf("adapters are not merged")
	}
	if m.retained == nil {
		return ErrUnmergeUnavailable
	}
	mm := m.model.(MergeableModel)
	for _, id := range m.order {
		mm.LayerWeight(id).Copy(m.retained[id])
	}
	m.retained = nil
	m.merged = false
	return nil
}

// State snapshots the adapter parameters for persistence. Base weights
// are never included.
func (m *AdapterManager) State() *AdapterState {
	st := &AdapterState{
		Composer: m.composer,
		Rank:     m.rank,
		Alpha:    m.alpha,
	}
	for _, id := range m.order {
		ad := m.adapters[id]
		st.Layers = append(st.Layers, AdapterLayerState{
			ID:     id,
			InDim:  ad.layer.InDim,
			OutDim: ad.layer.OutDim,
			A:      append([]float64(nil), ad.a.RawMatrix().Data...),
			B:      append([]float64(nil), ad.b.RawMatrix().Data...),
		})
	}
	return st
}

// LoadState restores previously attached adapters from a snapshot. The
// snapshot must describe the same layer set.
func (m *AdapterManager) LoadState(st *AdapterState) error {
	if len(st.Layers) != len(m.adapters) {
		return fmt.Errorf("adapter state has %d layers, manager has %d", len(st.Layers), len(m.adapters))
	}
	if st.Rank != m.rank {
		return fmt.Errorf("adapter state rank %d does not match attached rank %d", st.Rank, m.rank)
	}
	for _, ls := range st.Layers {
		ad, ok := m.adapters[ls.ID]
		if !ok {
			return fmt.Errorf("adapter state references unknown layer %q", ls.ID)
		}
		if ad.layer.InDim != ls.InDim || ad.layer.OutDim != ls.OutDim {
			return fmt.Errorf("adapter state dims mismatch for layer %q", ls.ID)
		}
		copy(ad.a.RawMatrix().Data, ls.A)
		copy(ad.b.RawMatrix().Data, ls.B)
	}
	m.composer = st.Composer
	m.rank = st.Rank
	m.alpha = st.Alpha
	return nil
}

// Save persists the adapter parameters only, checksummed.
func (m *AdapterManager) Save(path string) error {
	return writeState(path, m.State())
}

// Load restores adapter parameters saved with Save.
func (m *AdapterManager) Load(path string) error {
	var st AdapterState
	if err := readState(path, &st); err != nil {
		return err
	}
	return m.LoadState(&st)
}
