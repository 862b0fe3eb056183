package minuet

// Batch holds parallel arrays for one training micro-batch. Windows are
// right-padded to the longest window in the batch with the reserved pad
// token; AttentionMask is 1 for real tokens and 0 for padding. Padded
// positions must never contribute to loss.
type Batch struct {
	TokenIDs      [][]int
	AttentionMask [][]int
	ComposerIDs   []int
	Lengths       []int
	PadToken      int
}

// newBatch pads wins to a common length and records per-window masks.
func newBatch(wins []Window, padToken int) *Batch {
	maxLen := 0
	for _, w := range wins {
		if w.Len() > maxLen {
			maxLen = w.Len()
		}
	}

	b := &Batch{
		TokenIDs:      make([][]int, len(wins)),
		AttentionMask: make([][]int, len(wins)),
		ComposerIDs:   make([]int, len(wins)),
		Lengths:       make([]int, len(wins)),
		PadToken:      padToken,
	}

	for i, w := range wins {
		ids := make([]int, maxLen)
		mask := make([]int, maxLen)
		copy(ids, w.Tokens())
		for j := w.Len(); j < maxLen; j++ {
			ids[j] = padToken
		}
		for j := 0; j < w.Len(); j++ {
			mask[j] = 1
		}
		b.TokenIDs[i] = ids
		b.AttentionMask[i] = mask
		b.ComposerIDs[i] = int(w.Composer)
		b.Lengths[i] = w.Len()
	}

	return b
}

// Size returns the number of windows in the batch.
func (b *Batch) Size() int {
	return len(b.TokenIDs)
}

// MaxLen returns the padded length of the batch.
func (b *Batch) MaxLen() int {
	if len(b.TokenIDs) == 0 {
		return 0
	}
	return len(b.TokenIDs[0])
}

// NumTokens returns the number of real (unpadded) tokens in the batch.
func (b *Batch) NumTokens() int {
	n := 0
	for _, l := range b.Lengths {
		n += l
	}
	return n
}
