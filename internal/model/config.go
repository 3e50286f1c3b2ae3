package model

import (
	"fmt"

	"github.com/samcharles93/wick/internal/weights"
)

// Config is the decoder shape.
type Config struct {
	VocabSize int
	Dim       int
	Layers    int
	Heads     int
	KVHeads   int
	FFN       int
	MaxPos    int
	RopeTheta float64
	NormEps   float32
}

func (c Config) HeadDim() int { return c.Dim / c.Heads }

func (c Config) KVDim() int { return c.KVHeads * c.HeadDim() }

// ConfigFromMetadata fills defaults for omitted fields.
func ConfigFromMetadata(mc weights.ModelConfig) Config {
	c := Config{
		VocabSize: mc.VocabSize,
		Dim:       mc.Dim,
		Layers:    mc.Layers,
		Heads:     mc.Heads,
		KVHeads:   mc.KVHeads,
		FFN:       mc.FFN,
		MaxPos:    mc.MaxPos,
		RopeTheta: mc.RopeTheta,
		NormEps:   float32(mc.NormEps),
	}
	if c.KVHeads <= 0 {
		c.KVHeads = c.Heads
	}
	if c.RopeTheta <= 0 {
		c.RopeTheta = 10000
	}
	if c.NormEps <= 0 {
		c.NormEps = 1e-5
	}
	return c
}

// Metadata converts c to its serialised form.
func (c Config) Metadata() weights.ModelConfig {
	return weights.ModelConfig{
		VocabSize: c.VocabSize,
		Dim:       c.Dim,
		Layers:    c.Layers,
		Heads:     c.Heads,
		KVHeads:   c.KVHeads,
		FFN:       c.FFN,
		MaxPos:    c.MaxPos,
		RopeTheta: c.RopeTheta,
		NormEps:   float64(c.NormEps),
	}
}

func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab_size must be positive", ErrInvalidConfig)
	case c.Dim <= 0 || c.Layers <= 0 || c.FFN <= 0:
		return fmt.Errorf("%w: dim, layers and ffn must be positive", ErrInvalidConfig)
	case c.Heads <= 0 || c.Dim%c.Heads != 0:
		return fmt.Errorf("%w: dim %d not divisible by heads %d", ErrInvalidConfig, c.Dim, c.Heads)
	case c.HeadDim()%2 != 0:
		return fmt.Errorf("%w: head dim %d must be even for rope", ErrInvalidConfig, c.HeadDim())
	case c.KVHeads <= 0 || c.Heads%c.KVHeads != 0:
		return fmt.Errorf("%w: heads %d not divisible by kv_heads %d", ErrInvalidConfig, c.Heads, c.KVHeads)
	case c.MaxPos <= 0:
		return fmt.Errorf("%w: max_position must be positive", ErrInvalidConfig)
	}
	return nil
}
