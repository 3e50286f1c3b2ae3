// Package sampling turns a logits row into a single token through an
// ordered chain of stages.
package sampling

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoLogits    = errors.New("no logits available")
	ErrNoSelection = errors.New("sampler chain selected no token")
)

// LogitSource yields the distribution for the i-th output row of the most
// recent decode. -1 selects the last row.
type LogitSource interface {
	Logits(i int) ([]float32, error)
}

// Config holds the sampling parameters.
type Config struct {
	TopK           int
	TopP           float32
	MinKeep        int
	Temperature    float32
	PenaltyLastN   int
	RepeatPenalty  float32
	FreqPenalty    float32
	PresentPenalty float32
	Seed           int64
}

// DefaultConfig is top-k 40, top-p 0.9, temperature 0.7, a 1.3 repeat
// penalty over the last 64 tokens and seed 42.
func DefaultConfig() Config {
	return Config{
		TopK:          40,
		TopP:          0.9,
		MinKeep:       1,
		Temperature:   0.7,
		PenaltyLastN:  64,
		RepeatPenalty: 1.3,
		Seed:          42,
	}
}

// Validate reports parameters that cannot form a chain.
func (c Config) Validate() error {
	switch {
	case c.TopP <= 0 || c.TopP > 1:
		return fmt.Errorf("top-p must be in (0, 1], got %v", c.TopP)
	case c.Temperature < 0:
		return fmt.Errorf("temperature must be >= 0, got %v", c.Temperature)
	case c.RepeatPenalty <= 0:
		return fmt.Errorf("repeat penalty must be > 0, got %v", c.RepeatPenalty)
	case c.PenaltyLastN < 0:
		return fmt.Errorf("penalty window must be >= 0, got %d", c.PenaltyLastN)
	}
	return nil
}

// Chain applies its stages in order. A chain carries per-generation state
// and must not be shared between concurrent generations.
type Chain struct {
	stages []Stage
	cand   Candidates
}

// New builds a chain from explicit stages. The last stage should select.
func New(stages ...Stage) *Chain {
	return &Chain{stages: stages}
}

// NewFromConfig builds top-k, top-p, temperature, penalties, dist in that
// order. A zero temperature swaps temperature and dist for greedy
// selection.
func NewFromConfig(cfg Config) *Chain {
	minKeep := max(cfg.MinKeep, 1)
	if cfg.Temperature <= 0 {
		return New(
			TopK(cfg.TopK),
			TopP(cfg.TopP, minKeep),
			Penalties(cfg.PenaltyLastN, cfg.RepeatPenalty, cfg.FreqPenalty, cfg.PresentPenalty),
			Greedy(),
		)
	}
	return New(
		TopK(cfg.TopK),
		TopP(cfg.TopP, minKeep),
		Temperature(cfg.Temperature),
		Penalties(cfg.PenaltyLastN, cfg.RepeatPenalty, cfg.FreqPenalty, cfg.PresentPenalty),
		Dist(cfg.Seed),
	)
}

// Sample reads row idx from src, runs every stage and accepts the chosen
// token.
func (c *Chain) Sample(src LogitSource, idx int) (int, error) {
	logits, err := src.Logits(idx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoLogits, err)
	}
	return c.SampleLogits(logits)
}

// SampleLogits is Sample over an explicit row. logits is not modified.
func (c *Chain) SampleLogits(logits []float32) (int, error) {
	if len(logits) == 0 {
		return 0, ErrNoLogits
	}
	c.cand.Reset(logits)
	for _, s := range c.stages {
		s.Apply(&c.cand)
	}
	if c.cand.Selected < 0 || c.cand.Selected >= c.cand.Len() {
		return 0, ErrNoSelection
	}
	tok := c.cand.IDs[c.cand.Selected]
	c.Accept(tok)
	return tok, nil
}

// Accept records token in every stage that keeps history.
func (c *Chain) Accept(token int) {
	for _, s := range c.stages {
		if a, ok := s.(Accepter); ok {
			a.Accept(token)
		}
	}
}

// Reset clears history and reseeds random stages.
func (c *Chain) Reset() {
	for _, s := range c.stages {
		if r, ok := s.(Resetter); ok {
			r.Reset()
		}
	}
}

func (c *Chain) String() string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return strings.Join(names, " -> ")
}
