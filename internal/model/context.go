package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/wick/internal/batch"
	"github.com/samcharles93/wick/internal/tensor"
)

// DefaultBatchSize is the largest batch a context accepts unless told
// otherwise.
const DefaultBatchSize = 512

// maxCacheFloats bounds a single context's KV allocation.
const maxCacheFloats = 1 << 30

// ContextParams size a context.
type ContextParams struct {
	NCtx    int
	NBatch  int
	NSeqMax int
}

// Context holds the mutable decode state for one model: the key/value cache
// indexed by position and the logits of the most recent decode. A Context
// is not safe for concurrent use.
type Context struct {
	model   *Model
	nCtx    int
	nBatch  int
	nSeqMax int

	// kCache[seq][layer] holds nCtx rows of KVDim values.
	kCache [][][]float32
	vCache [][][]float32
	next   map[int]int

	logits  []float32
	outRows int

	x, xb, xb2 []float32
	q, k, v    []float32
	attnOut    []float32
	hb, hb2    []float32
	scores     []float32

	closed bool
}

// NewContext allocates a context over m. NBatch defaults to
// DefaultBatchSize and NSeqMax to 1.
func (m *Model) NewContext(p ContextParams) (*Context, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil model", ErrContextAlloc)
	}
	if p.NCtx <= 0 {
		return nil, fmt.Errorf("%w: n_ctx must be positive, got %d", ErrContextAlloc, p.NCtx)
	}
	if p.NBatch <= 0 {
		p.NBatch = DefaultBatchSize
	}
	if p.NSeqMax <= 0 {
		p.NSeqMax = 1
	}
	cfg := m.Config
	kvDim := cfg.KVDim()
	need := 2 * p.NSeqMax * cfg.Layers * p.NCtx * kvDim
	if need/2/p.NSeqMax/cfg.Layers/p.NCtx != kvDim || need > maxCacheFloats {
		return nil, fmt.Errorf("%w: kv cache of %d values is too large", ErrContextAlloc, need)
	}

	c := &Context{
		model:   m,
		nCtx:    p.NCtx,
		nBatch:  p.NBatch,
		nSeqMax: p.NSeqMax,
		kCache:  make([][][]float32, p.NSeqMax),
		vCache:  make([][][]float32, p.NSeqMax),
		next:    make(map[int]int, p.NSeqMax),
		x:       make([]float32, cfg.Dim),
		xb:      make([]float32, cfg.Dim),
		xb2:     make([]float32, cfg.Dim),
		q:       make([]float32, cfg.Dim),
		k:       make([]float32, kvDim),
		v:       make([]float32, kvDim),
		attnOut: make([]float32, cfg.Dim),
		hb:      make([]float32, cfg.FFN),
		hb2:     make([]float32, cfg.FFN),
		scores:  make([]float32, p.NCtx),
	}
	for s := range p.NSeqMax {
		c.kCache[s] = make([][]float32, cfg.Layers)
		c.vCache[s] = make([][]float32, cfg.Layers)
		for l := range cfg.Layers {
			c.kCache[s][l] = make([]float32, p.NCtx*kvDim)
			c.vCache[s][l] = make([]float32, p.NCtx*kvDim)
		}
	}
	return c, nil
}

func (c *Context) Model() *Model { return c.model }
func (c *Context) NCtx() int     { return c.nCtx }
func (c *Context) NBatch() int   { return c.nBatch }
func (c *Context) NSeqMax() int  { return c.nSeqMax }

// Pos returns the next position expected for seq.
func (c *Context) Pos(seq int) int { return c.next[seq] }

// Decode runs every entry of b through the model, writing keys and values
// at the entry positions and keeping logits for flagged entries. The batch
// is validated in full before any state changes, so a failed Decode leaves
// the context as it was.
func (c *Context) Decode(b *batch.Batch) error {
	if c.closed {
		return fmt.Errorf("context: %w", ErrClosed)
	}
	if b == nil || b.Len() == 0 {
		return ErrEmptyBatch
	}
	if b.Len() > c.nBatch {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, b.Len(), c.nBatch)
	}
	vocab := c.model.Config.VocabSize
	for i, e := range b.Entries() {
		if e.Token < 0 || e.Token >= vocab {
			return fmt.Errorf("%w: entry %d token %d", ErrInvalidToken, i, e.Token)
		}
		if len(e.SeqIDs) == 0 {
			return fmt.Errorf("%w: entry %d has no sequence", ErrInvalidSeq, i)
		}
		for _, s := range e.SeqIDs {
			if s < 0 || s >= c.nSeqMax {
				return fmt.Errorf("%w: entry %d seq %d", ErrInvalidSeq, i, s)
			}
		}
		if e.Pos >= c.nCtx {
			return fmt.Errorf("%w: entry %d pos %d, n_ctx %d", ErrContextFull, i, e.Pos, c.nCtx)
		}
	}
	next, err := b.Validate(c.next)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPosition, err)
	}

	nOut := b.OutputCount()
	if cap(c.logits) < nOut*vocab {
		c.logits = make([]float32, nOut*vocab)
	}
	c.logits = c.logits[:nOut*vocab]
	c.outRows = 0
	for _, e := range b.Entries() {
		var out []float32
		if e.Logits {
			out = c.logits[c.outRows*vocab : (c.outRows+1)*vocab]
			c.outRows++
		}
		c.forward(e.Token, e.Pos, e.SeqIDs, out)
	}
	c.next = next
	return nil
}

// Logits returns the distribution for the i-th flagged entry of the last
// Decode; -1 selects the last one. The slice is overwritten by the next
// Decode.
func (c *Context) Logits(i int) ([]float32, error) {
	if c.closed {
		return nil, fmt.Errorf("context: %w", ErrClosed)
	}
	if i < 0 {
		i += c.outRows
	}
	if i < 0 || i >= c.outRows {
		return nil, fmt.Errorf("%w: index %d of %d", ErrNoOutput, i, c.outRows)
	}
	vocab := c.model.Config.VocabSize
	return c.logits[i*vocab : (i+1)*vocab], nil
}

// Close drops the cache. The model is not closed.
func (c *Context) Close() error {
	if c == nil || c.closed {
		return nil
	}
	c.closed = true
	c.kCache, c.vCache = nil, nil
	c.logits = nil
	return nil
}

func (c *Context) forward(token, pos int, seqs []int, out []float32) {
	m := c.model
	cfg := m.Config
	kvDim := cfg.KVDim()
	headDim := cfg.HeadDim()
	primary := seqs[0]

	c.model.embed.RowTo(c.x, token)
	for li := range m.layers {
		l := &m.layers[li]

		tensor.RMSNorm(c.xb, c.x, l.AttnNorm, cfg.NormEps)
		tensor.MatVec(c.q, &l.Wq, c.xb)
		tensor.MatVec(c.k, &l.Wk, c.xb)
		tensor.MatVec(c.v, &l.Wv, c.xb)
		tensor.ApplyRoPE(c.q, cfg.Heads, headDim, pos, m.invFreq)
		tensor.ApplyRoPE(c.k, cfg.KVHeads, headDim, pos, m.invFreq)
		for _, s := range seqs {
			copy(c.kCache[s][li][pos*kvDim:], c.k)
			copy(c.vCache[s][li][pos*kvDim:], c.v)
		}

		actx := attnContext{
			q:        c.q,
			cacheK:   c.kCache[primary][li],
			cacheV:   c.vCache[primary][li],
			attnOut:  c.attnOut,
			pos:      pos,
			kvStride: kvDim,
			headDim:  headDim,
			nHead:    cfg.Heads,
			kvHeads:  cfg.KVHeads,
			scale:    float32(1 / math.Sqrt(float64(headDim))),
		}
		runAttnHeads(&actx, c.scores, 0, cfg.Heads)
		tensor.MatVec(c.xb2, &l.Wo, c.attnOut)
		tensor.Add(c.x, c.xb2)

		tensor.RMSNorm(c.xb, c.x, l.FFNNorm, cfg.NormEps)
		tensor.MatVec(c.hb, &l.Gate, c.xb)
		tensor.MatVec(c.hb2, &l.Up, c.xb)
		for i := range c.hb {
			c.hb[i] = tensor.Silu(c.hb[i]) * c.hb2[i]
		}
		tensor.MatVec(c.xb2, &l.Down, c.hb)
		tensor.Add(c.x, c.xb2)
	}
	if out == nil {
		return
	}
	tensor.RMSNorm(c.xb, c.x, m.outNorm, cfg.NormEps)
	tensor.MatVec(out, &m.output, c.xb)
}
