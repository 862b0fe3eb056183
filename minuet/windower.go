package minuet

import "fmt"

// Windower splits token sequences into fixed-length overlapping windows
// that respect the memory-derived sequence length cap.
//
// Windows are emitted left to right with stride maxSeqLen-overlap. The
// final window is right-aligned to the sequence end so no token is ever
// dropped, even when that makes its overlap with the previous window
// larger than the configured value.
type Windower struct {
	maxSeqLen int
	overlap   int
}

// NewWindower validates the windowing parameters. The overlap must be
// strictly smaller than the window length.
func NewWindower(maxSeqLen, overlap int) (*Windower, error) {
	if maxSeqLen <= 0 {
		return nil, fmt.Errorf("%w: max_seq_len %d must be positive", ErrInvalidConfig, maxSeqLen)
	}
	if overlap < 0 || overlap >= maxSeqLen {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrInvalidConfig, overlap, maxSeqLen)
	}
	return &Windower{maxSeqLen: maxSeqLen, overlap: overlap}, nil
}

// MaxSeqLen returns the configured window length cap.
func (w *Windower) MaxSeqLen() int { return w.maxSeqLen }

// Overlap returns the configured overlap between consecutive windows.
func (w *Windower) Overlap() int { return w.overlap }

// Windows returns a lazy iterator over seq's windows. The iteration is
// finite, deterministic for a given sequence and config, and restartable
// via Reset.
func (w *Windower) Windows(seq *TokenSequence) *WindowIter {
	return &WindowIter{w: w, seq: seq}
}

// Split eagerly collects all windows of seq.
func (w *Windower) Split(seq *TokenSequence) []Window {
	var wins []Window
	it := w.Windows(seq)
	for {
		win, ok := it.Next()
		if !ok {
			break
		}
		wins = append(wins, win)
	}
	return wins
}

// WindowIter iterates a sequence's windows in order.
type WindowIter struct {
	w       *Windower
	seq     *TokenSequence
	pos     int
	prevEnd int
	done    bool
}

// Next returns the next window. The second result is false once the
// sequence is exhausted.
func (it *WindowIter) Next() (Window, bool) {
	if it.done || it.seq.Len() == 0 {
		it.done = true
		return Window{}, false
	}

	l := it.seq.Len()
	w := it.w.maxSeqLen

	if l <= w {
		it.done = true
		return Window{
			Composer: it.seq.Composer(),
			Start:    0,
			tokens:   it.seq.Tokens(),
		}, true
	}

	stride := w - it.w.overlap
	if it.pos+w < l {
		overlap := it.w.overlap
		if it.pos == 0 {
			overlap = 0
		}
		win := Window{
			Composer:   it.seq.Composer(),
			Start:      it.pos,
			OverlapLen: overlap,
			tokens:     it.seq.Tokens()[it.pos : it.pos+w],
		}
		it.prevEnd = it.pos + w
		it.pos += stride
		return win, true
	}

	// Final window, right-aligned to the sequence end.
	start := l - w
	it.done = true
	return Window{
		Composer:   it.seq.Composer(),
		Start:      start,
		OverlapLen: it.prevEnd - start,
		tokens:     it.seq.Tokens()[start:],
	}, true
}

// Reset rewinds the iterator to the first window.
func (it *WindowIter) Reset() {
	it.pos = 0
	it.prevEnd = 0
	it.done = false
}
