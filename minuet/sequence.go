package minuet

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// TokenSequence is one tokenized composition plus its composer tag.
// It is immutable once created: the external MIDI codec produces it and
// the windower consumes it read-only.
type TokenSequence struct {
	composer Composer
	tokens   []int
}

// NewTokenSequence copies tokenIDs into an immutable sequence.
func NewTokenSequence(composer Composer, tokenIDs []int) *TokenSequence {
	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)
	return &TokenSequence{composer: composer, tokens: tokens}
}

// Composer returns the composer tag.
func (s *TokenSequence) Composer() Composer {
	return s.composer
}

// Len returns the number of tokens.
func (s *TokenSequence) Len() int {
	return len(s.tokens)
}

// Token returns the token ID at position i.
func (s *TokenSequence) Token(i int) int {
	return s.tokens[i]
}

// Tokens returns the underlying token slice. Callers must not modify it.
func (s *TokenSequence) Tokens() []int {
	return s.tokens
}

// Window is a contiguous slice of a TokenSequence of bounded length.
// OverlapLen tokens at the front are shared with the previous window;
// the remainder is the window's fresh contribution.
type Window struct {
	Composer   Composer
	Start      int
	OverlapLen int
	tokens     []int
}

// Len returns the window length in tokens.
func (w Window) Len() int {
	return len(w.tokens)
}

// Tokens returns the window's tokens, overlap included. Callers must not
// modify the slice.
func (w Window) Tokens() []int {
	return w.tokens
}

// Fresh returns the tokens past the overlap region. Concatenating Fresh
// across a sequence's windows in order reconstructs the sequence exactly.
func (w Window) Fresh() []int {
	return w.tokens[w.OverlapLen:]
}

// Fingerprint returns a content hash of the window's tokens, usable for
// dataset deduplication and checkpoint sanity checks.
func (w Window) Fingerprint() uint64 {
	return hashTokens(w.tokens, 0)
}

// hashTokens hashes token IDs, optionally chained onto a prefix hash.
func hashTokens(tokenIDs []int, prefix uint64) uint64 {
	h := xxhash.New()
	var buf [8]byte
	if prefix != 0 {
		binary.LittleEndian.PutUint64(buf[:], prefix)
		h.Write(buf[:])
	}
	for _, id := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:4], uint32(id))
		h.Write(buf[:4])
	}
	return h.Sum64()
}
