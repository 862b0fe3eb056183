package minuet

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
)

// TrainerCheckpoint captures everything needed to resume training at an
// exact accumulation boundary: adapter parameters, optimizer moments,
// the training counters, and the live loss scale. Base weights are never
// part of a checkpoint.
type TrainerCheckpoint struct {
	Adapter     *AdapterState
	Optimizer   *AdamWState
	State       TrainingState
	LossScale   float64
	ScaleStable int
	SavedAt     time.Time
}

// CheckpointPath names a full training checkpoint, keyed by composer.
func CheckpointPath(dir string, c Composer, step int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-step%06d.ckpt", c, step))
}

// AdapterPath names an adapter-only checkpoint, keyed by composer.
func AdapterPath(dir string, c Composer) string {
	return filepath.Join(dir, fmt.Sprintf("adapter-%s.ckpt", c))
}

// writeState gob-encodes v and writes it prefixed with an xxhash
// checksum. gob round-trips float64 bits exactly, so save→load
// reproduces an identical continuation.
func writeState(path string, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	payload := buf.Bytes()

	out := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(out[:8], xxhash.Sum64(payload))
	copy(out[8:], payload)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize checkpoint: %w", err)
	}
	return nil
}

// readState verifies the checksum and decodes the payload into v.
func readState(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if len(raw) < 8 {
		return fmt.Errorf("checkpoint %s is truncated", path)
	}
	want := binary.LittleEndian.Uint64(raw[:8])
	payload := raw[8:]
	if got := xxhash.Sum64(payload); got != want {
		return fmt.Errorf("checkpoint %s checksum mismatch: got %x want %x", path, got, want)
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	return nil
}
