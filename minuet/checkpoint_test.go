package minuet

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckpointNaming(t *testing.T) {
	p := CheckpointPath("ckpts", ComposerChopin, 42)
	if p != filepath.Join("ckpts", "chopin-step000042.ckpt") {
		t.Errorf("unexpected checkpoint path %q", p)
	}
	a := AdapterPath("ckpts", ComposerBach)
	if a != filepath.Join("ckpts", "adapter-bach.ckpt") {
		t.Errorf("unexpected adapter path %q", a)
	}
}

func TestStateRoundTripExact(t *testing.T) {
	// Awkward float64 values must survive bit for bit.
	st := &AdapterState{
		Composer: ComposerLiszt,
		Rank:     2,
		Alpha:    16,
		Layers: []AdapterLayerState{
			{
				ID:     "attn_proj",
				InDim:  2,
				OutDim: 2,
				A:      []float64{0.1, math.Nextafter(1, 2), -0.0, 1e-300},
				B:      []float64{math.MaxFloat64, math.SmallestNonzeroFloat64, 3, -7},
			},
		},
	}

	path := filepath.Join(t.TempDir(), "state.ckpt")
	if err := writeState(path, st); err != nil {
		t.Fatalf("writeState failed: %v", err)
	}

	var got AdapterState
	if err := readState(path, &got); err != nil {
		t.Fatalf("readState failed: %v", err)
	}
	if got.Composer != st.Composer || got.Rank != st.Rank || got.Alpha != st.Alpha {
		t.Errorf("header fields changed: %+v", got)
	}
	for i := range st.Layers[0].A {
		if math.Float64bits(got.Layers[0].A[i]) != math.Float64bits(st.Layers[0].A[i]) {
			t.Errorf("A[%d] changed bits across round trip", i)
		}
		if math.Float64bits(got.Layers[0].B[i]) != math.Float64bits(st.Layers[0].B[i]) {
			t.Errorf("B[%d] changed bits across round trip", i)
		}
	}
}

func TestReadStateDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.ckpt")
	if err := writeState(path, &AdapterState{Rank: 4}); err != nil {
		t.Fatalf("writeState failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var got AdapterState
	err = readState(path, &got)
	if err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Errorf("expected checksum error for corrupted payload, got %v", err)
	}
}

func TestReadStateRejectsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.ckpt")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var got AdapterState
	if err := readState(path, &got); err == nil {
		t.Errorf("expected error for truncated checkpoint")
	}
}

func TestWriteStateCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.ckpt")
	if err := writeState(path, &AdapterState{Rank: 1}); err != nil {
		t.Fatalf("writeState should create parent directories: %v", err)
	}
	var got AdapterState
	if err := readState(path, &got); err != nil {
		t.Fatalf("readState failed: %v", err)
	}
	// No stray temp file after the atomic rename.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}
