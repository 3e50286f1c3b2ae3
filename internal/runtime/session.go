package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/samcharles93/wick/internal/handle"
	"github.com/samcharles93/wick/internal/inference"
)

// DefaultContextSize is the n_ctx used by OpenSession when none is given.
const DefaultContextSize = 2048

// Session owns one model and one context. Close frees the context, then
// the model, and may be called any number of times.
type Session struct {
	mgr     *Manager
	Model   ModelHandle
	Context ContextHandle

	once sync.Once
	err  error
}

// OpenSession loads path and creates a context on it. If the context
// cannot be created the model is freed again.
func (m *Manager) OpenSession(path string, nCtx, gpuLayers int) (*Session, error) {
	if nCtx <= 0 {
		nCtx = DefaultContextSize
	}
	mh, err := m.LoadModel(path, gpuLayers)
	if err != nil {
		return nil, err
	}
	ch, err := m.CreateContext(mh, nCtx)
	if err != nil {
		return nil, errors.Join(err, m.FreeModel(mh))
	}
	return &Session{mgr: m, Model: mh, Context: ch}, nil
}

// Generate runs one generation on the session's context.
func (s *Session) Generate(ctx context.Context, prompt string, maxTokens int) (*inference.Result, error) {
	return s.mgr.GenerateResult(ctx, s.Context, s.Model, prompt, maxTokens)
}

func (s *Session) Close() error {
	s.once.Do(func() {
		s.err = errors.Join(
			ignoreStale(s.mgr.FreeContext(s.Context)),
			ignoreStale(s.mgr.FreeModel(s.Model)),
		)
	})
	return s.err
}

// The manager may already have released the handles on shutdown.
func ignoreStale(err error) error {
	if errors.Is(err, handle.ErrStale) {
		return nil
	}
	return err
}
