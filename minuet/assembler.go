package minuet

import (
	"fmt"
	"math/rand"
	"sort"
)

// BatchAssembler groups windows into composer-conditioned batches.
//
// Windows are pooled per composer. StartEpoch shuffles each pool and
// interleaves draws with a smooth weighted round-robin so that each
// composer's share of emitted batches over the epoch is proportional to
// its share of total windows, within one batch. Composers whose catalog
// runs out are simply exhausted early; windows are never oversampled.
type BatchAssembler struct {
	batchSize int
	padToken  int
	rng       *rand.Rand

	pools map[Composer][]Window
	order []Window
	next  int
}

// NewBatchAssembler creates an assembler emitting batches of batchSize
// windows padded with padToken. The seed fixes the epoch shuffle.
func NewBatchAssembler(batchSize, padToken int, seed int64) (*BatchAssembler, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch_size %d must be positive", ErrInvalidConfig, batchSize)
	}
	return &BatchAssembler{
		batchSize: batchSize,
		padToken:  padToken,
		rng:       rand.New(rand.NewSource(seed)),
		pools:     make(map[Composer][]Window),
	}, nil
}

// Add pools windows for later batching. Each window carries the composer
// tag of its source sequence.
func (a *BatchAssembler) Add(wins ...Window) {
	for _, w := range wins {
		a.pools[w.Composer] = append(a.pools[w.Composer], w)
	}
}

// AddSequence windows seq with the given windower and pools the result.
func (a *BatchAssembler) AddSequence(w *Windower, seq *TokenSequence) {
	a.Add(w.Split(seq)...)
}

// NumWindows returns the total number of pooled windows.
func (a *BatchAssembler) NumWindows() int {
	n := 0
	for _, p := range a.pools {
		n += len(p)
	}
	return n
}

// NumBatches returns the number of batches one epoch will emit, the final
// short batch included.
func (a *BatchAssembler) NumBatches() int {
	n := a.NumWindows()
	return (n + a.batchSize - 1) / a.batchSize
}

// StartEpoch shuffles each composer pool and rebuilds the stratified draw
// order. Pools persist across epochs; only the order is rebuilt.
func (a *BatchAssembler) StartEpoch() {
	composers := make([]Composer, 0, len(a.pools))
	for c := range a.pools {
		composers = append(composers, c)
	}
	sort.Slice(composers, func(i, j int) bool { return composers[i] < composers[j] })

	total := 0
	for _, c := range composers {
		pool := a.pools[c]
		a.rng.Shuffle(len(pool), func(i, j int) {
			pool[i], pool[j] = pool[j], pool[i]
		})
		total += len(pool)
	}

	// Smooth weighted round-robin: every draw credits each composer by its
	// pool size, then takes from the highest-credit composer with windows
	// left. Keeps per-composer shares proportional throughout the epoch.
	credit := make(map[Composer]float64, len(composers))
	cursor := make(map[Composer]int, len(composers))
	a.order = make([]Window, 0, total)
	for len(a.order) < total {
		var pick Composer
		best := false
		for _, c := range composers {
			if cursor[c] >= len(a.pools[c]) {
				continue
			}
			credit[c] += float64(len(a.pools[c]))
			if !best || credit[c] > credit[pick] {
				pick = c
				best = true
			}
		}
		credit[pick] -= float64(total)
		a.order = append(a.order, a.pools[pick][cursor[pick]])
		cursor[pick]++
	}
	a.next = 0
}

// Remaining returns the number of windows left in the current epoch.
func (a *BatchAssembler) Remaining() int {
	return len(a.order) - a.next
}

// NextBatch emits the next batch of the epoch. The final batch may be
// short. Returns ErrEmptyBatch once the epoch is drained; the caller
// recovers by starting the next epoch.
func (a *BatchAssembler) NextBatch() (*Batch, error) {
	if a.next >= len(a.order) {
		return nil, ErrEmptyBatch
	}
	end := a.next + a.batchSize
	if end > len(a.order) {
		end = len(a.order)
	}
	wins := a.order[a.next:end]
	a.next = end
	return newBatch(wins, a.padToken), nil
}
