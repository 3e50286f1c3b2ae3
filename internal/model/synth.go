package model

import (
	"bytes"
	"fmt"
	"math"

	"github.com/samcharles93/wick/internal/tensor"
	"github.com/samcharles93/wick/internal/tokenizer"
	"github.com/samcharles93/wick/internal/weights"
)

// SynthOptions describe a randomly initialised model.
type SynthOptions struct {
	Name      string
	Config    Config
	Tokenizer tokenizer.Config
	DType     weights.DType
	Seed      int64
	// TieOutput reuses the embedding as the output projection.
	TieOutput bool
}

// Synthesize produces deterministic random weights for opts. VocabSize is
// taken from the tokenizer when zero.
func Synthesize(opts SynthOptions) (weights.Metadata, []weights.Tensor, error) {
	cfg := opts.Config
	if cfg.VocabSize == 0 {
		cfg.VocabSize = len(opts.Tokenizer.Tokens)
	}
	if cfg.KVHeads == 0 {
		cfg.KVHeads = cfg.Heads
	}
	if err := cfg.Validate(); err != nil {
		return weights.Metadata{}, nil, err
	}
	if cfg.VocabSize != len(opts.Tokenizer.Tokens) {
		return weights.Metadata{}, nil, fmt.Errorf("%w: vocab_size %d, tokenizer has %d tokens", ErrInvalidConfig, cfg.VocabSize, len(opts.Tokenizer.Tokens))
	}

	seed := opts.Seed
	mat := func(name string, rows, cols int) weights.Tensor {
		m := tensor.NewMat(rows, cols)
		tensor.FillRand(&m, seed, float32(2/math.Sqrt(float64(cols))))
		seed++
		return weights.Tensor{Name: name, DType: opts.DType, Shape: []int{rows, cols}, Data: m.Data}
	}
	ones := func(name string, n int) weights.Tensor {
		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}
		return weights.Tensor{Name: name, DType: opts.DType, Shape: []int{n}, Data: data}
	}

	kvDim := cfg.KVDim()
	ts := []weights.Tensor{
		mat(nameEmbedding, cfg.VocabSize, cfg.Dim),
		ones(nameOutputNorm, cfg.Dim),
	}
	if !opts.TieOutput {
		ts = append(ts, mat(nameOutput, cfg.VocabSize, cfg.Dim))
	}
	for i := range cfg.Layers {
		ts = append(ts,
			ones(layerName(i, suffixAttnNorm), cfg.Dim),
			mat(layerName(i, suffixQ), cfg.Dim, cfg.Dim),
			mat(layerName(i, suffixK), kvDim, cfg.Dim),
			mat(layerName(i, suffixV), kvDim, cfg.Dim),
			mat(layerName(i, suffixO), cfg.Dim, cfg.Dim),
			ones(layerName(i, suffixFFNNorm), cfg.Dim),
			mat(layerName(i, suffixGate), cfg.FFN, cfg.Dim),
			mat(layerName(i, suffixUp), cfg.FFN, cfg.Dim),
			mat(layerName(i, suffixDown), cfg.Dim, cfg.FFN),
		)
	}

	meta := weights.Metadata{
		Arch:      "wick",
		Name:      opts.Name,
		Model:     cfg.Metadata(),
		Tokenizer: opts.Tokenizer.Metadata(),
	}
	return meta, ts, nil
}

// NewRandom builds an in-memory model from Synthesize output.
func NewRandom(opts SynthOptions) (*Model, error) {
	meta, ts, err := Synthesize(opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := weights.Write(&buf, meta, ts); err != nil {
		return nil, err
	}
	f, err := weights.OpenBytes(buf.Bytes())
	if err != nil {
		return nil, err
	}
	return FromFile(f)
}

// TinyConfig is a small shape suitable for tests and demos.
func TinyConfig() Config {
	return Config{
		Dim:       32,
		Layers:    2,
		Heads:     4,
		KVHeads:   2,
		FFN:       64,
		MaxPos:    2048,
		RopeTheta: 10000,
		NormEps:   1e-5,
	}
}
