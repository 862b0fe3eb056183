package minuet

import (
	"fmt"
	"strings"
)

// Config is the full training and generation configuration, threaded
// explicitly through the pipeline rather than held as global state.
type Config struct {
	// Windowing.
	MaxSeqLen int
	Overlap   int

	// Batching and accumulation. BatchSize is the effective batch size;
	// each optimizer step consumes AccumSteps micro-batches of size
	// BatchSize/AccumSteps.
	BatchSize  int
	AccumSteps int

	// Memory ceiling for the accelerator working set, in MB.
	MemoryCeilingMB int

	// Precision and activation policy.
	MixedPrecision bool
	GradCheckpoint bool

	// Adapter shape. Empty TargetLayers adapts every adaptable layer.
	AdapterRank  int
	AdapterAlpha float64
	TargetLayers []string

	// Disk checkpointing, in optimizer steps.
	CheckpointInterval int
	CheckpointDir      string

	// Optimizer.
	LearningRate float64
	MinLR        float64
	WeightDecay  float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	ClipNorm     float64
	WarmupSteps  int
	DecaySteps   int
	MaxSteps     int

	Seed int64
}

// Option is a functional option for Config.
type Option func(*Config)

// NewConfig builds a validated Config. Bad parameters are rejected here,
// before any work starts.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{
		MaxSeqLen:          512,
		Overlap:            64,
		BatchSize:          16,
		AccumSteps:         4,
		MemoryCeilingMB:    13312,
		MixedPrecision:     true,
		GradCheckpoint:     false,
		AdapterRank:        8,
		AdapterAlpha:       16,
		CheckpointInterval: 100,
		CheckpointDir:      "checkpoints",
		LearningRate:       3e-4,
		MinLR:              1e-5,
		WeightDecay:        0.01,
		Beta1:              0.9,
		Beta2:              0.999,
		Epsilon:            1e-8,
		ClipNorm:           1.0,
		Seed:               42,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("%w: max_seq_len %d must be positive", ErrInvalidConfig, c.MaxSeqLen)
	}
	if c.Overlap < 0 || c.Overlap >= c.MaxSeqLen {
		return fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrInvalidConfig, c.Overlap, c.MaxSeqLen)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size %d must be positive", ErrInvalidConfig, c.BatchSize)
	}
	if c.AccumSteps <= 0 || c.BatchSize%c.AccumSteps != 0 {
		return fmt.Errorf("%w: accumulation_factor %d must be positive and divide batch_size %d",
			ErrInvalidConfig, c.AccumSteps, c.BatchSize)
	}
	if c.MemoryCeilingMB <= 0 {
		return fmt.Errorf("%w: memory_ceiling %d MB must be positive", ErrInvalidConfig, c.MemoryCeilingMB)
	}
	if c.AdapterRank <= 0 {
		return fmt.Errorf("%w: adapter_rank %d must be positive", ErrInvalidConfig, c.AdapterRank)
	}
	if c.AdapterAlpha <= 0 {
		return fmt.Errorf("%w: adapter_alpha %g must be positive", ErrInvalidConfig, c.AdapterAlpha)
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("%w: checkpoint_interval %d must be positive", ErrInvalidConfig, c.CheckpointInterval)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning rate %g must be positive", ErrInvalidConfig, c.LearningRate)
	}
	return nil
}

// LayerSelector returns the target-layer predicate for Attach. Empty
// TargetLayers matches every layer; otherwise a layer matches when its
// ID equals or ends with one of the targets.
func (c *Config) LayerSelector() func(LayerSpec) bool {
	if len(c.TargetLayers) == 0 {
		return nil
	}
	targets := append([]string(nil), c.TargetLayers...)
	return func(spec LayerSpec) bool {
		for _, t := range targets {
			if spec.ID == t || strings.HasSuffix(spec.ID, t) {
				return true
			}
		}
		return false
	}
}

// WithMaxSeqLen sets the window length cap.
func WithMaxSeqLen(n int) Option { return func(c *Config) { c.MaxSeqLen = n } }

// WithOverlap sets the window overlap.
func WithOverlap(n int) Option { return func(c *Config) { c.Overlap = n } }

// WithBatchSize sets the effective batch size.
func WithBatchSize(n int) Option { return func(c *Config) { c.BatchSize = n } }

// WithAccumSteps sets the gradient accumulation factor.
func WithAccumSteps(n int) Option { return func(c *Config) { c.AccumSteps = n } }

// WithMemoryCeilingMB sets the accelerator memory ceiling.
func WithMemoryCeilingMB(n int) Option { return func(c *Config) { c.MemoryCeilingMB = n } }

// WithMixedPrecision toggles reduced-precision compute with loss scaling.
func WithMixedPrecision(b bool) Option { return func(c *Config) { c.MixedPrecision = b } }

// WithGradCheckpoint toggles activation recomputation in backward.
func WithGradCheckpoint(b bool) Option { return func(c *Config) { c.GradCheckpoint = b } }

// WithAdapterRank sets the low-rank adapter rank.
func WithAdapterRank(n int) Option { return func(c *Config) { c.AdapterRank = n } }

// WithAdapterAlpha sets the adapter scale numerator.
func WithAdapterAlpha(a float64) Option { return func(c *Config) { c.AdapterAlpha = a } }

// WithTargetLayers restricts which layers receive adapters.
func WithTargetLayers(ids ...string) Option {
	return func(c *Config) { c.TargetLayers = append([]string(nil), ids...) }
}

// WithCheckpointInterval sets the disk checkpoint cadence in steps.
func WithCheckpointInterval(n int) Option { return func(c *Config) { c.CheckpointInterval = n } }

// WithCheckpointDir sets where checkpoints are written.
func WithCheckpointDir(dir string) Option { return func(c *Config) { c.CheckpointDir = dir } }

// WithLearningRate sets the base learning rate.
func WithLearningRate(lr float64) Option { return func(c *Config) { c.LearningRate = lr } }

// WithWarmup sets the linear warmup and cosine decay horizon.
func WithWarmup(warmup, decay int) Option {
	return func(c *Config) {
		c.WarmupSteps = warmup
		c.DecaySteps = decay
	}
}

// WithMaxSteps caps the number of optimizer steps; 0 means unlimited.
func WithMaxSteps(n int) Option { return func(c *Config) { c.MaxSteps = n } }

// WithSeed fixes the shuffling and sampling seed.
func WithSeed(seed int64) Option { return func(c *Config) { c.Seed = seed } }
