package minuet

import (
	"errors"
	"testing"
)

func seqOfLen(l int, c Composer) *TokenSequence {
	tokens := make([]int, l)
	for i := range tokens {
		tokens[i] = i
	}
	return NewTokenSequence(c, tokens)
}

func TestWindowerInvalidConfig(t *testing.T) {
	cases := []struct{ w, o int }{
		{0, 0},
		{-1, 0},
		{512, 512},
		{512, 600},
		{512, -1},
	}
	for _, tc := range cases {
		if _, err := NewWindower(tc.w, tc.o); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("NewWindower(%d, %d): expected ErrInvalidConfig, got %v", tc.w, tc.o, err)
		}
	}
}

func TestWindowerSingleWindow(t *testing.T) {
	w, err := NewWindower(512, 64)
	if err != nil {
		t.Fatalf("NewWindower failed: %v", err)
	}

	for _, l := range []int{1, 100, 511, 512} {
		seq := seqOfLen(l, ComposerBach)
		wins := w.Split(seq)
		if len(wins) != 1 {
			t.Fatalf("L=%d: expected 1 window, got %d", l, len(wins))
		}
		win := wins[0]
		if win.Start != 0 || win.OverlapLen != 0 {
			t.Errorf("L=%d: expected start 0 overlap 0, got start %d overlap %d", l, win.Start, win.OverlapLen)
		}
		if win.Len() != l {
			t.Errorf("L=%d: expected window length %d, got %d", l, l, win.Len())
		}
		for i, tok := range win.Tokens() {
			if tok != seq.Token(i) {
				t.Fatalf("L=%d: window token %d differs from input", l, i)
			}
		}
	}
}

func TestWindowerReferenceOffsets(t *testing.T) {
	// W=512, O=64, L=1300: windows at [0,512), [448,960), [788,1300),
	// the final one right-aligned.
	w, err := NewWindower(512, 64)
	if err != nil {
		t.Fatalf("NewWindower failed: %v", err)
	}
	wins := w.Split(seqOfLen(1300, ComposerChopin))

	if len(wins) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(wins))
	}
	wantStarts := []int{0, 448, 788}
	wantOverlaps := []int{0, 64, 172}
	for i, win := range wins {
		if win.Start != wantStarts[i] {
			t.Errorf("window %d: expected start %d, got %d", i, wantStarts[i], win.Start)
		}
		if win.OverlapLen != wantOverlaps[i] {
			t.Errorf("window %d: expected overlap %d, got %d", i, wantOverlaps[i], win.OverlapLen)
		}
		if win.Len() != 512 {
			t.Errorf("window %d: expected length 512, got %d", i, win.Len())
		}
	}
}

func TestWindowerReconstruction(t *testing.T) {
	cases := []struct{ l, w, o int }{
		{1300, 512, 64},
		{513, 512, 64},
		{1024, 512, 0},
		{1000, 128, 32},
		{97, 16, 5},
		{512, 512, 64},
	}
	for _, tc := range cases {
		w, err := NewWindower(tc.w, tc.o)
		if err != nil {
			t.Fatalf("NewWindower(%d, %d) failed: %v", tc.w, tc.o, err)
		}
		seq := seqOfLen(tc.l, ComposerLiszt)

		var rebuilt []int
		for _, win := range w.Split(seq) {
			if win.Len() > tc.w {
				t.Errorf("L=%d W=%d O=%d: window length %d exceeds cap", tc.l, tc.w, tc.o, win.Len())
			}
			if win.OverlapLen >= tc.w {
				t.Errorf("L=%d W=%d O=%d: overlap %d not below cap", tc.l, tc.w, tc.o, win.OverlapLen)
			}
			rebuilt = append(rebuilt, win.Fresh()...)
		}

		if len(rebuilt) != tc.l {
			t.Fatalf("L=%d W=%d O=%d: rebuilt %d tokens", tc.l, tc.w, tc.o, len(rebuilt))
		}
		for i, tok := range rebuilt {
			if tok != seq.Token(i) {
				t.Fatalf("L=%d W=%d O=%d: token %d mismatch", tc.l, tc.w, tc.o, i)
			}
		}
	}
}

func TestWindowIterRestartable(t *testing.T) {
	w, err := NewWindower(128, 16)
	if err != nil {
		t.Fatalf("NewWindower failed: %v", err)
	}
	seq := seqOfLen(500, ComposerDebussy)

	first := w.Split(seq)
	it := w.Windows(seq)
	for range first {
		it.Next()
	}
	if _, ok := it.Next(); ok {
		t.Errorf("iterator should be exhausted")
	}

	it.Reset()
	for i := range first {
		win, ok := it.Next()
		if !ok {
			t.Fatalf("reset iterator exhausted early at window %d", i)
		}
		if win.Start != first[i].Start || win.OverlapLen != first[i].OverlapLen {
			t.Errorf("window %d differs after reset", i)
		}
	}
}

func TestWindowFingerprintDeterministic(t *testing.T) {
	w, err := NewWindower(64, 8)
	if err != nil {
		t.Fatalf("NewWindower failed: %v", err)
	}
	a := w.Split(seqOfLen(200, ComposerBach))
	b := w.Split(seqOfLen(200, ComposerBach))
	if a[0].Fingerprint() != b[0].Fingerprint() {
		t.Errorf("fingerprints should be deterministic")
	}
	if a[0].Fingerprint() == a[1].Fingerprint() {
		t.Errorf("distinct windows should fingerprint differently")
	}
}

func TestParseComposer(t *testing.T) {
	if ParseComposer("Chopin") != ComposerChopin {
		t.Errorf("expected Chopin to parse")
	}
	if ParseComposer("xenakis") != ComposerUnknown {
		t.Errorf("expected unknown composer for unrecognized name")
	}
	if NumComposers() < 2 {
		t.Errorf("composer set should include unknown plus the corpus set")
	}
}
