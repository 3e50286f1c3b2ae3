// Package model is the CPU reference decoder: a pre-norm transformer with
// rotary attention, a SwiGLU feed-forward block and a per-sequence KV cache.
package model

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/wick/internal/tensor"
	"github.com/samcharles93/wick/internal/tokenizer"
	"github.com/samcharles93/wick/internal/weights"
)

// Layer holds the weights of one transformer block.
type Layer struct {
	AttnNorm []float32
	Wq       tensor.Mat
	Wk       tensor.Mat
	Wv       tensor.Mat
	Wo       tensor.Mat
	FFNNorm  []float32
	Gate     tensor.Mat
	Up       tensor.Mat
	Down     tensor.Mat
}

// Model is immutable after load and may be shared by any number of
// contexts. Weight matrices may reference the mapped file, so Close must
// run after every context using the model is gone.
type Model struct {
	Name   string
	Arch   string
	Config Config
	Vocab  *tokenizer.Vocab

	// GPULayers is the requested offload depth. The CPU backend ignores it.
	GPULayers int

	embed   tensor.Mat
	outNorm []float32
	output  tensor.Mat
	layers  []Layer
	invFreq []float64
	tied    bool

	file      *weights.File
	closeOnce sync.Once
	closeErr  error
}

// LoadOptions tune Load.
type LoadOptions struct {
	GPULayers int
}

// Load opens a wick file and builds a model over it.
func Load(path string, opts LoadOptions) (*Model, error) {
	f, err := weights.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	m, err := FromFile(f)
	if err != nil {
		return nil, errors.Join(err, f.Close())
	}
	m.GPULayers = opts.GPULayers
	return m, nil
}

// FromFile builds a model from an opened container. The model takes
// ownership of f.
func FromFile(f *weights.File) (*Model, error) {
	if f == nil {
		return nil, fmt.Errorf("nil weights file")
	}
	cfg := ConfigFromMetadata(f.Meta.Model)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vocab, err := tokenizer.NewVocab(tokenizer.ConfigFromMetadata(f.Meta.Tokenizer))
	if err != nil {
		return nil, fmt.Errorf("build vocabulary: %w", err)
	}
	if vocab.NTokens() != cfg.VocabSize {
		return nil, fmt.Errorf("%w: vocabulary has %d tokens, config says %d", ErrInvalidConfig, vocab.NTokens(), cfg.VocabSize)
	}

	m := &Model{
		Name:    f.Meta.Name,
		Arch:    f.Meta.Arch,
		Config:  cfg,
		Vocab:   vocab,
		invFreq: tensor.RoPEFreqs(cfg.HeadDim(), cfg.RopeTheta),
		file:    f,
	}

	src := fileSource{f}
	if m.embed, err = loadMat(src, nameEmbedding, cfg.VocabSize, cfg.Dim); err != nil {
		return nil, err
	}
	if m.outNorm, err = loadVec(src, nameOutputNorm, cfg.Dim); err != nil {
		return nil, err
	}
	m.output, err = loadMat(src, nameOutput, cfg.VocabSize, cfg.Dim)
	switch {
	case errors.Is(err, weights.ErrTensorNotFound):
		m.output = m.embed
		m.tied = true
	case err != nil:
		return nil, err
	}

	kvDim := cfg.KVDim()
	m.layers = make([]Layer, cfg.Layers)
	for i := range m.layers {
		l := &m.layers[i]
		mats := []struct {
			dst        *tensor.Mat
			suffix     string
			rows, cols int
		}{
			{&l.Wq, suffixQ, cfg.Dim, cfg.Dim},
			{&l.Wk, suffixK, kvDim, cfg.Dim},
			{&l.Wv, suffixV, kvDim, cfg.Dim},
			{&l.Wo, suffixO, cfg.Dim, cfg.Dim},
			{&l.Gate, suffixGate, cfg.FFN, cfg.Dim},
			{&l.Up, suffixUp, cfg.FFN, cfg.Dim},
			{&l.Down, suffixDown, cfg.Dim, cfg.FFN},
		}
		for _, mm := range mats {
			if *mm.dst, err = loadMat(src, layerName(i, mm.suffix), mm.rows, mm.cols); err != nil {
				return nil, err
			}
		}
		if l.AttnNorm, err = loadVec(src, layerName(i, suffixAttnNorm), cfg.Dim); err != nil {
			return nil, err
		}
		if l.FFNNorm, err = loadVec(src, layerName(i, suffixFFNNorm), cfg.Dim); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Bytes is the resident weight size.
func (m *Model) Bytes() int {
	n := m.embed.Bytes() + len(m.outNorm)*4
	if !m.tied {
		n += m.output.Bytes()
	}
	for i := range m.layers {
		l := &m.layers[i]
		n += l.Wq.Bytes() + l.Wk.Bytes() + l.Wv.Bytes() + l.Wo.Bytes()
		n += l.Gate.Bytes() + l.Up.Bytes() + l.Down.Bytes()
		n += (len(l.AttnNorm) + len(l.FFNNorm)) * 4
	}
	return n
}

// Close releases the weight file. It is safe to call more than once.
func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		m.closeErr = m.file.Close()
	})
	return m.closeErr
}

type fileSource struct{ f *weights.File }

func loadMat(src fileSource, name string, rows, cols int) (tensor.Mat, error) {
	info, raw, err := src.f.Tensor(name)
	if err != nil {
		return tensor.Mat{}, err
	}
	if len(info.Shape) != 2 || info.Shape[0] != rows || info.Shape[1] != cols {
		return tensor.Mat{}, fmt.Errorf("%w: tensor %s shape %v, want [%d %d]", ErrInvalidConfig, name, info.Shape, rows, cols)
	}
	mat, err := tensor.NewMatFromRaw(rows, cols, info.DType, raw)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return mat, nil
}

func loadVec(src fileSource, name string, n int) ([]float32, error) {
	info, raw, err := src.f.Tensor(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 1 || info.Shape[0] != n {
		return nil, fmt.Errorf("%w: tensor %s shape %v, want [%d]", ErrInvalidConfig, name, info.Shape, n)
	}
	mat, err := tensor.NewMatFromRaw(1, n, info.DType, raw)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return mat.Vec(), nil
}
