package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/wick/internal/handle"
	"github.com/samcharles93/wick/internal/inference"
	"github.com/samcharles93/wick/internal/model"
	"github.com/samcharles93/wick/internal/tokenizer"
	"github.com/samcharles93/wick/internal/weights"
)

func writeModel(t *testing.T, tok tokenizer.Config) string {
	t.Helper()
	meta, ts, err := model.Synthesize(model.SynthOptions{
		Name:      "tiny",
		Config:    model.TinyConfig(),
		Tokenizer: tok,
		Seed:      11,
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tiny.wick")
	require.NoError(t, weights.Create(path, meta, ts))
	return path
}

func tinyModelPath(t *testing.T) string {
	return writeModel(t, tokenizer.ByteLevelConfig([]string{"l l", "H e"}, tokenizer.DefaultBOS, tokenizer.DefaultEOS))
}

type countingObserver struct {
	mu                   sync.Mutex
	loaded, freed        int
	ctxCreated, ctxFreed int
	done                 int
	failed               []string
}

func (o *countingObserver) ModelLoaded(time.Duration, int) { o.bump(&o.loaded) }
func (o *countingObserver) ModelFreed()                    { o.bump(&o.freed) }
func (o *countingObserver) ContextCreated()                { o.bump(&o.ctxCreated) }
func (o *countingObserver) ContextFreed()                  { o.bump(&o.ctxFreed) }

func (o *countingObserver) GenerationDone(*inference.Result) { o.bump(&o.done) }

func (o *countingObserver) bump(n *int) {
	o.mu.Lock()
	*n++
	o.mu.Unlock()
}

func (o *countingObserver) GenerationFailed(reason string) {
	o.mu.Lock()
	o.failed = append(o.failed, reason)
	o.mu.Unlock()
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(opts)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestLoadMissingModelReturnsNullHandle(t *testing.T) {
	t.Parallel()

	m := newManager(t, Options{})
	h, err := m.LoadModel(filepath.Join(t.TempDir(), "nope.wick"), DefaultGPULayers)
	assert.Zero(t, h)
	assert.ErrorIs(t, err, ErrLoadFailure)
}

func TestCreateContextFailures(t *testing.T) {
	t.Parallel()

	m := newManager(t, Options{})
	ch, err := m.CreateContext(0, 512)
	assert.Zero(t, ch)
	assert.ErrorIs(t, err, ErrContextCreation)
	assert.ErrorIs(t, err, ErrNullHandle)

	mh, err := m.LoadModel(tinyModelPath(t), DefaultGPULayers)
	require.NoError(t, err)
	ch, err = m.CreateContext(mh, 0)
	assert.Zero(t, ch)
	assert.ErrorIs(t, err, ErrContextCreation)
}

func TestGenerateWithNullHandles(t *testing.T) {
	t.Parallel()

	m := newManager(t, Options{})
	assert.Equal(t, SentinelHandle, m.Generate(0, 0, "Hello", 5))

	mh, err := m.LoadModel(tinyModelPath(t), DefaultGPULayers)
	require.NoError(t, err)
	assert.Equal(t, SentinelHandle, m.Generate(0, mh, "Hello", 5))
}

func TestGenerateIsReproducible(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	m := newManager(t, Options{Observer: obs})
	mh, err := m.LoadModel(tinyModelPath(t), DefaultGPULayers)
	require.NoError(t, err)
	ch, err := m.CreateContext(mh, 512)
	require.NoError(t, err)

	first := m.Generate(ch, mh, "Hello", 5)
	assert.False(t, strings.HasPrefix(first, "Error:"), first)
	assert.Equal(t, first, m.Generate(ch, mh, "Hello", 5), "reused context")

	ch2, err := m.CreateContext(mh, 512)
	require.NoError(t, err)
	assert.Equal(t, first, m.Generate(ch2, mh, "Hello", 5), "fresh context")

	res, err := m.GenerateResult(context.Background(), ch, mh, "Hello", 5)
	require.NoError(t, err)
	assert.Equal(t, first, res.Text)
	assert.LessOrEqual(t, res.GeneratedTokens, 5)

	info, err := m.Model(mh)
	require.NoError(t, err)
	assert.Equal(t, "tiny", info.Name)
	assert.Equal(t, 2, info.Contexts)
	assert.Equal(t, DefaultGPULayers, info.GPULayers)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.loaded)
	assert.Equal(t, 2, obs.ctxCreated)
	assert.Equal(t, 4, obs.done)
}

// writeChainModel writes a model whose residual stream is the token
// embedding, so each token in chain deterministically predicts the next.
func writeChainModel(t *testing.T, chain string) string {
	t.Helper()
	cfg := model.TinyConfig()
	require.Less(t, len(chain), cfg.Dim)
	meta, ts, err := model.Synthesize(model.SynthOptions{
		Name:      "chain",
		Config:    cfg,
		Tokenizer: tokenizer.ByteLevelConfig([]string{"l l", "H e"}, tokenizer.DefaultBOS, tokenizer.DefaultEOS),
		Seed:      3,
	})
	require.NoError(t, err)

	for i := range ts {
		name := ts[i].Name
		switch {
		case strings.HasSuffix(name, ".attn_output"), strings.HasSuffix(name, ".ffn_down"):
			clear(ts[i].Data)
		case name == "token_embd":
			clear(ts[i].Data)
			for j := 0; j < len(chain); j++ {
				ts[i].Data[int(chain[j])*cfg.Dim+j] = 1
			}
		case name == "output":
			clear(ts[i].Data)
			for j := 0; j+1 < len(chain); j++ {
				ts[i].Data[int(chain[j+1])*cfg.Dim+j] = 50
			}
		}
	}
	path := filepath.Join(t.TempDir(), "chain.wick")
	require.NoError(t, weights.Create(path, meta, ts))
	return path
}

func TestGenerateHelloBaseline(t *testing.T) {
	t.Parallel()

	m := newManager(t, Options{})
	mh, err := m.LoadModel(writeChainModel(t, "oWick!"), DefaultGPULayers)
	require.NoError(t, err)
	ch, err := m.CreateContext(mh, 512)
	require.NoError(t, err)

	const want = "Wick!"
	assert.Equal(t, want, m.Generate(ch, mh, "Hello", 5))
	assert.Equal(t, want, m.Generate(ch, mh, "Hello", 5))

	res, err := m.GenerateResult(context.Background(), ch, mh, "Hello", 3)
	require.NoError(t, err)
	assert.Equal(t, "Wic", res.Text)
	assert.Equal(t, inference.StoppedMaxLen, res.StopReason)
}

func TestCreateContextAllocatesOutsideLock(t *testing.T) {
	t.Parallel()

	m := newManager(t, Options{})
	mh, err := m.LoadModel(tinyModelPath(t), DefaultGPULayers)
	require.NoError(t, err)

	var allocated *model.Context
	m.newContext = func(mdl *model.Model, p model.ContextParams) (*model.Context, error) {
		// Freeing takes the manager lock, so this would deadlock if the
		// caller still held it.
		require.NoError(t, m.FreeModel(mh))
		c, err := mdl.NewContext(p)
		allocated = c
		return c, err
	}

	ch, err := m.CreateContext(mh, 64)
	assert.Zero(t, ch)
	assert.ErrorIs(t, err, ErrContextCreation)
	assert.ErrorIs(t, err, handle.ErrStale)
	require.NotNil(t, allocated)
	_, lerr := allocated.Logits(-1)
	assert.ErrorIs(t, lerr, model.ErrClosed)
	models, contexts := m.Counts()
	assert.Zero(t, models)
	assert.Zero(t, contexts)
}

func TestGenerateSentinels(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	m := newManager(t, Options{Observer: obs, BatchSize: 8})
	mh, err := m.LoadModel(tinyModelPath(t), DefaultGPULayers)
	require.NoError(t, err)
	ch, err := m.CreateContext(mh, 6)
	require.NoError(t, err)

	assert.Equal(t, SentinelPromptLength, m.Generate(ch, mh, strings.Repeat("x", 20), 5))
	// fits the batch but not the context
	assert.Equal(t, SentinelDecode, m.Generate(ch, mh, "abcdefg", 5))

	noBOS := writeModel(t, tokenizer.ByteLevelConfig(nil))
	mh2, err := m.LoadModel(noBOS, 0)
	require.NoError(t, err)
	ch2, err := m.CreateContext(mh2, 16)
	require.NoError(t, err)
	assert.Equal(t, SentinelTokenization, m.Generate(ch2, mh2, "", 5))

	// context paired with the wrong model
	assert.Equal(t, SentinelHandle, m.Generate(ch, mh2, "hi", 5))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"prompt_too_long", "prompt_decode", "tokenization", "handle"}, obs.failed)
}

func TestFreeSemantics(t *testing.T) {
	t.Parallel()

	m := newManager(t, Options{})
	assert.NoError(t, m.FreeContext(0))
	assert.NoError(t, m.FreeModel(0))

	mh, err := m.LoadModel(tinyModelPath(t), DefaultGPULayers)
	require.NoError(t, err)
	ch, err := m.CreateContext(mh, 64)
	require.NoError(t, err)

	require.NoError(t, m.FreeContext(ch))
	assert.ErrorIs(t, m.FreeContext(ch), handle.ErrStale, "double free is detected")
	assert.Equal(t, SentinelHandle, m.Generate(ch, mh, "hi", 1))

	// a new context may land in the freed slot; the old handle stays dead
	ch2, err := m.CreateContext(mh, 64)
	require.NoError(t, err)
	assert.NotEqual(t, ch, ch2)
	assert.ErrorIs(t, m.FreeContext(ch), handle.ErrStale)

	models, contexts := m.Counts()
	assert.Equal(t, 1, models)
	assert.Equal(t, 1, contexts)

	require.NoError(t, m.FreeModel(mh))
	models, contexts = m.Counts()
	assert.Zero(t, models)
	assert.Zero(t, contexts, "freeing a model frees its contexts")
	assert.ErrorIs(t, m.FreeContext(ch2), handle.ErrStale)
	assert.ErrorIs(t, m.FreeModel(mh), handle.ErrStale)
	assert.Equal(t, SentinelHandle, m.Generate(ch2, mh, "hi", 1))
}

func TestConcurrentGenerateOnOneContext(t *testing.T) {
	t.Parallel()

	m := newManager(t, Options{})
	mh, err := m.LoadModel(tinyModelPath(t), DefaultGPULayers)
	require.NoError(t, err)
	ch, err := m.CreateContext(mh, 128)
	require.NoError(t, err)

	want := m.Generate(ch, mh, "Hello", 4)
	var wg sync.WaitGroup
	results := make([]string, 6)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.Generate(ch, mh, "Hello", 4)
		}()
	}
	wg.Wait()
	for _, got := range results {
		assert.Equal(t, want, got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	m := newManager(t, Options{})
	s, err := m.OpenSession(tinyModelPath(t), 0, DefaultGPULayers)
	require.NoError(t, err)

	res, err := s.Generate(context.Background(), "Hello", 3)
	require.NoError(t, err)
	assert.NotEqual(t, inference.StoppedError, res.StopReason)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	models, contexts := m.Counts()
	assert.Zero(t, models)
	assert.Zero(t, contexts)

	_, err = s.Generate(context.Background(), "Hello", 3)
	assert.ErrorIs(t, err, handle.ErrStale)

	_, err = m.OpenSession(filepath.Join(t.TempDir(), "missing.wick"), 0, 0)
	assert.ErrorIs(t, err, ErrLoadFailure)
}

func TestOpenSessionFreesModelWhenContextFails(t *testing.T) {
	t.Parallel()

	m := newManager(t, Options{})
	_, err := m.OpenSession(tinyModelPath(t), 1<<40, 0)
	assert.ErrorIs(t, err, ErrContextCreation)
	models, _ := m.Counts()
	assert.Zero(t, models)
}

func TestManagerClose(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	path := tinyModelPath(t)
	s, err := m.OpenSession(path, 64, 0)
	require.NoError(t, err)
	_, err = m.LoadModel(path, 0)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	models, contexts := m.Counts()
	assert.Zero(t, models)
	assert.Zero(t, contexts)
	assert.NoError(t, s.Close(), "session close after shutdown is quiet")

	_, err = m.LoadModel(path, 0)
	assert.True(t, errors.Is(err, ErrLoadFailure) && errors.Is(err, ErrClosed))
}
