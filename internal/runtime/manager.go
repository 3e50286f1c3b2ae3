// Package runtime owns loaded models and their contexts behind
// generation-checked handles.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/samcharles93/wick/internal/handle"
	"github.com/samcharles93/wick/internal/inference"
	"github.com/samcharles93/wick/internal/logger"
	"github.com/samcharles93/wick/internal/model"
	"github.com/samcharles93/wick/internal/sampling"
)

// ModelHandle and ContextHandle are opaque ids. Zero is never valid.
type (
	ModelHandle   handle.Handle
	ContextHandle handle.Handle
)

// DefaultGPULayers is the offload depth requested when none is given.
const DefaultGPULayers = 99

// Observer receives lifecycle and generation events.
type Observer interface {
	ModelLoaded(d time.Duration, bytes int)
	ModelFreed()
	ContextCreated()
	ContextFreed()
	GenerationDone(res *inference.Result)
	GenerationFailed(reason string)
}

type nopObserver struct{}

func (nopObserver) ModelLoaded(time.Duration, int)   {}
func (nopObserver) ModelFreed()                      {}
func (nopObserver) ContextCreated()                  {}
func (nopObserver) ContextFreed()                    {}
func (nopObserver) GenerationDone(*inference.Result) {}
func (nopObserver) GenerationFailed(string)          {}

// Options configure a Manager.
type Options struct {
	// Generation is the template for every generate call. MaxTokens is
	// overridden per call.
	Generation inference.Options
	// BatchSize is the per-context decode batch. Defaults to 512.
	BatchSize int
	Logger    logger.Logger
	Observer  Observer
	// Load replaces model.Load, mainly for tests.
	Load func(path string, opts model.LoadOptions) (*model.Model, error)
}

type modelEntry struct {
	model    *model.Model
	path     string
	contexts map[handle.Handle]struct{}
}

type contextEntry struct {
	mu     sync.Mutex
	ctx    *model.Context
	owner  handle.Handle
	closed bool
}

// Manager is safe for concurrent use. Generations on one context are
// serialised; different contexts run in parallel.
type Manager struct {
	mu       sync.Mutex
	models   handle.Table[*modelEntry]
	contexts handle.Table[*contextEntry]
	closed   bool

	opts Options
	log  logger.Logger
	obs  Observer

	newContext func(*model.Model, model.ContextParams) (*model.Context, error)
}

// NewManager returns an empty manager.
func NewManager(opts Options) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = model.DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Load == nil {
		opts.Load = model.Load
	}
	if opts.Generation.Sampling == (sampling.Config{}) {
		opts.Generation.Sampling = sampling.DefaultConfig()
	}
	if opts.Generation.TimeBudget <= 0 {
		opts.Generation.TimeBudget = inference.DefaultTimeBudget
	}
	return &Manager{
		opts:       opts,
		log:        opts.Logger,
		obs:        opts.Observer,
		newContext: (*model.Model).NewContext,
	}
}

// LoadModel loads the model at path. On failure the handle is zero and the
// error wraps ErrLoadFailure.
func (m *Manager) LoadModel(path string, gpuOffload int) (ModelHandle, error) {
	start := time.Now()
	mdl, err := m.opts.Load(path, model.LoadOptions{GPULayers: gpuOffload})
	if err != nil {
		m.log.Error("model load failed", "path", path, "error", err)
		return 0, fmt.Errorf("%w: %w", ErrLoadFailure, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = mdl.Close()
		return 0, fmt.Errorf("%w: %w", ErrLoadFailure, ErrClosed)
	}
	h := m.models.Insert(&modelEntry{model: mdl, path: path, contexts: make(map[handle.Handle]struct{})})
	m.mu.Unlock()

	elapsed := time.Since(start)
	m.obs.ModelLoaded(elapsed, mdl.Bytes())
	m.log.Info("model loaded",
		"path", path,
		"handle", h.String(),
		"vocab", mdl.Config.VocabSize,
		"layers", mdl.Config.Layers,
		"size", humanize.IBytes(uint64(mdl.Bytes())),
		"gpu_layers", gpuOffload,
		"elapsed", elapsed,
	)
	return ModelHandle(h), nil
}

// CreateContext allocates a context of nCtx positions on model mh.
func (m *Manager) CreateContext(mh ModelHandle, nCtx int) (ContextHandle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %w", ErrContextCreation, ErrClosed)
	}
	me, err := m.models.Get(handle.Handle(mh))
	m.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrContextCreation, err)
	}

	// The KV cache can be large; allocate it without holding m.mu.
	c, err := m.newContext(me.model, model.ContextParams{NCtx: nCtx, NBatch: m.opts.BatchSize})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrContextCreation, err)
	}

	m.mu.Lock()
	if m.closed {
		err = ErrClosed
	} else if cur, gerr := m.models.Get(handle.Handle(mh)); gerr != nil {
		err = gerr
	} else if cur != me {
		err = handle.ErrStale
	}
	if err != nil {
		m.mu.Unlock()
		_ = c.Close()
		return 0, fmt.Errorf("%w: %w", ErrContextCreation, err)
	}
	h := m.contexts.Insert(&contextEntry{ctx: c, owner: handle.Handle(mh)})
	me.contexts[h] = struct{}{}
	m.mu.Unlock()
	m.obs.ContextCreated()
	m.log.Debug("context created", "model", handle.Handle(mh).String(), "context", h.String(), "n_ctx", nCtx)
	return ContextHandle(h), nil
}

// GenerateResult runs one generation on context ch, which must belong to
// model mh. maxTokens < 0 uses the configured default.
func (m *Manager) GenerateResult(ctx context.Context, ch ContextHandle, mh ModelHandle, prompt string, maxTokens int) (*inference.Result, error) {
	m.mu.Lock()
	ce, err := m.contexts.Get(handle.Handle(ch))
	if err == nil && ce.owner != handle.Handle(mh) {
		err = ErrModelMismatch
	}
	var me *modelEntry
	if err == nil {
		me, err = m.models.Get(handle.Handle(mh))
	}
	m.mu.Unlock()
	if err != nil {
		m.obs.GenerationFailed("handle")
		return nil, err
	}

	ce.mu.Lock()
	defer ce.mu.Unlock()
	if ce.closed {
		m.obs.GenerationFailed("handle")
		return nil, fmt.Errorf("%w: %s", handle.ErrStale, handle.Handle(ch))
	}

	opts := m.opts.Generation
	if maxTokens >= 0 {
		opts.MaxTokens = maxTokens
	}
	ctx = logger.WithContext(ctx, m.log.With("context", handle.Handle(ch).String()))
	res, err := inference.Generate(ctx, ce.ctx, me.model.Vocab, prompt, opts)
	if err != nil {
		m.obs.GenerationFailed(failureReason(err))
		return nil, err
	}
	m.obs.GenerationDone(res)
	return res, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, inference.ErrTokenization):
		return "tokenization"
	case errors.Is(err, inference.ErrPromptTooLong):
		return "prompt_too_long"
	case errors.Is(err, inference.ErrPromptDecode):
		return "prompt_decode"
	default:
		return "other"
	}
}

// Generate is the string boundary: the generated text, or an "Error: ..."
// sentinel when nothing could be generated.
func (m *Manager) Generate(ch ContextHandle, mh ModelHandle, prompt string, maxTokens int) string {
	res, err := m.GenerateResult(context.Background(), ch, mh, prompt, maxTokens)
	if err != nil {
		return Sentinel(err)
	}
	return res.Text
}

// FreeContext releases ch, waiting for a running generation on it. Zero is
// a no-op; a handle that was already freed returns handle.ErrStale.
func (m *Manager) FreeContext(ch ContextHandle) error {
	if ch == 0 {
		return nil
	}
	m.mu.Lock()
	ce, err := m.contexts.Remove(handle.Handle(ch))
	if err == nil {
		if me, merr := m.models.Get(ce.owner); merr == nil {
			delete(me.contexts, handle.Handle(ch))
		}
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.closeContext(ce)
}

func (m *Manager) closeContext(ce *contextEntry) error {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	if ce.closed {
		return nil
	}
	ce.closed = true
	m.obs.ContextFreed()
	return ce.ctx.Close()
}

// FreeModel releases mh together with every context created from it.
func (m *Manager) FreeModel(mh ModelHandle) error {
	if mh == 0 {
		return nil
	}
	m.mu.Lock()
	me, err := m.models.Remove(handle.Handle(mh))
	var owned []*contextEntry
	if err == nil {
		for ch := range me.contexts {
			if ce, cerr := m.contexts.Remove(ch); cerr == nil {
				owned = append(owned, ce)
			}
		}
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	var errs []error
	for _, ce := range owned {
		errs = append(errs, m.closeContext(ce))
	}
	errs = append(errs, me.model.Close())
	m.obs.ModelFreed()
	m.log.Info("model freed", "path", me.path, "handle", handle.Handle(mh).String(), "contexts", len(owned))
	return errors.Join(errs...)
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Handle    ModelHandle
	Path      string
	Name      string
	Arch      string
	Config    model.Config
	Bytes     int
	GPULayers int
	Contexts  int
}

// Model returns information about mh.
func (m *Manager) Model(mh ModelHandle) (ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	me, err := m.models.Get(handle.Handle(mh))
	if err != nil {
		return ModelInfo{}, err
	}
	return ModelInfo{
		Handle:    mh,
		Path:      me.path,
		Name:      me.model.Name,
		Arch:      me.model.Arch,
		Config:    me.model.Config,
		Bytes:     me.model.Bytes(),
		GPULayers: me.model.GPULayers,
		Contexts:  len(me.contexts),
	}, nil
}

// Counts returns the number of live models and contexts.
func (m *Manager) Counts() (models, contexts int) {
	return m.models.Len(), m.contexts.Len()
}

// Close frees every model and context. Further loads fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	models := m.models.Handles()
	m.mu.Unlock()

	var errs []error
	for _, h := range models {
		if err := m.FreeModel(ModelHandle(h)); err != nil && !errors.Is(err, handle.ErrStale) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
