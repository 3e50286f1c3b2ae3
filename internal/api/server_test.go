package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/wick/internal/metrics"
	"github.com/samcharles93/wick/internal/model"
	"github.com/samcharles93/wick/internal/runtime"
	"github.com/samcharles93/wick/internal/tokenizer"
	"github.com/samcharles93/wick/internal/weights"
)

type fixture struct {
	e      *echo.Echo
	mgr    *runtime.Manager
	model  runtime.ModelHandle
	server *Server
}

func writeModel(t *testing.T, tok tokenizer.Config) string {
	t.Helper()
	meta, ts, err := model.Synthesize(model.SynthOptions{
		Name:      "tiny",
		Config:    model.TinyConfig(),
		Tokenizer: tok,
		Seed:      5,
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tiny.wick")
	require.NoError(t, weights.Create(path, meta, ts))
	return path
}

func newFixture(t *testing.T, tok tokenizer.Config, mutate func(*runtime.Options, *Config)) *fixture {
	t.Helper()
	opts := runtime.Options{}
	reg := prometheus.NewRegistry()
	cfg := Config{
		ContextSize: 64,
		Metrics:     metrics.New(reg),
		Gatherer:    reg,
	}
	if mutate != nil {
		mutate(&opts, &cfg)
	}
	mgr := runtime.NewManager(opts)
	mh, err := mgr.LoadModel(writeModel(t, tok), 0)
	require.NoError(t, err)

	cfg.Manager = mgr
	cfg.Model = mh
	srv := NewServer(cfg)
	e := echo.New()
	srv.Register(e)
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
	})
	return &fixture{e: e, mgr: mgr, model: mh, server: srv}
}

func defaultTokenizer() tokenizer.Config {
	return tokenizer.ByteLevelConfig([]string{"l l", "H e"}, tokenizer.DefaultBOS, tokenizer.DefaultEOS)
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeGenerate(t *testing.T, rec *httptest.ResponseRecorder) GenerateResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out GenerateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func contexts(f *fixture) int {
	_, n := f.mgr.Counts()
	return n
}

func TestGenerateWithoutSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultTokenizer(), nil)
	first := decodeGenerate(t, doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":"Hello","max_tokens":6}`))

	assert.True(t, strings.HasPrefix(first.ID, "gen_"))
	assert.Equal(t, "generation", first.Object)
	assert.Contains(t, []string{"eos", "max_tokens"}, first.StopReason)
	assert.LessOrEqual(t, first.CompletionTokens, 6)
	assert.Positive(t, first.PromptTokens)
	assert.Zero(t, contexts(f), "request context must be freed")

	second := decodeGenerate(t, doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":"Hello","max_tokens":6}`))
	assert.Equal(t, first.Text, second.Text)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestGenerateZeroTokens(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultTokenizer(), nil)
	out := decodeGenerate(t, doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":"Hi","max_tokens":0}`))
	assert.Empty(t, out.Text)
	assert.Equal(t, "max_tokens", out.StopReason)
	assert.Zero(t, out.CompletionTokens)
}

func TestGenerateSessionsReuseContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultTokenizer(), nil)
	body := `{"prompt":"Hello","max_tokens":4,"session":"abc"}`
	a := decodeGenerate(t, doJSON(t, f.e, http.MethodPost, "/v1/generate", body))
	b := decodeGenerate(t, doJSON(t, f.e, http.MethodPost, "/v1/generate", body))
	assert.Equal(t, "abc", a.Session)
	assert.Equal(t, a.Text, b.Text)
	assert.Equal(t, 1, contexts(f))

	decodeGenerate(t, doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":"x","max_tokens":1,"session":"other"}`))
	assert.Equal(t, 2, contexts(f))

	rec := doJSON(t, f.e, http.MethodDelete, "/v1/sessions/abc", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"deleted":true`)
	assert.Equal(t, 1, contexts(f))

	rec = doJSON(t, f.e, http.MethodDelete, "/v1/sessions/abc", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerateValidationErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultTokenizer(), nil)
	cases := []struct {
		name, body, want, param string
	}{
		{"empty body", ``, "request body is required", ""},
		{"bad json", `{"prompt":`, "invalid JSON", ""},
		{"negative max tokens", `{"prompt":"x","max_tokens":-1}`, "max_tokens must not be negative", "max_tokens"},
	}
	for _, tc := range cases {
		rec := doJSON(t, f.e, http.MethodPost, "/v1/generate", tc.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.name)
		var env struct {
			Error ResponseError `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), tc.name)
		assert.Contains(t, env.Error.Message, tc.want, tc.name)
		assert.Equal(t, "invalid_request_error", env.Error.Type, tc.name)
		assert.Equal(t, tc.param, env.Error.Param, tc.name)
	}
}

func TestGeneratePromptTooLong(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultTokenizer(), func(o *runtime.Options, _ *Config) {
		o.BatchSize = 8
	})
	rec := doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":"abcdefghijklmnop"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), runtime.SentinelPromptLength)
	assert.Zero(t, contexts(f))
}

func TestGenerateTokenizationFailure(t *testing.T) {
	t.Parallel()

	// Without BOS an empty prompt has no tokens.
	f := newFixture(t, tokenizer.ByteLevelConfig(nil), nil)
	rec := doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), runtime.SentinelTokenization)
}

func TestModelAndHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultTokenizer(), nil)
	rec := doJSON(t, f.e, http.MethodGet, "/v1/model", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info ModelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "tiny", info.Name)
	assert.Equal(t, len(defaultTokenizer().Tokens), info.VocabSize)
	assert.Equal(t, 64, info.ContextSize)
	assert.Equal(t, model.TinyConfig().RopeTheta, info.RopeTheta)
	assert.Positive(t, info.Bytes)
	assert.NotEmpty(t, info.Size)

	rec = doJSON(t, f.e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	require.NoError(t, f.mgr.FreeModel(f.model))
	rec = doJSON(t, f.e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultTokenizer(), nil)
	decodeGenerate(t, doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":"Hi","max_tokens":2}`))

	rec := doJSON(t, f.e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `wick_http_responses_total{path="/v1/generate",status_code="200"} 1`)
	assert.Contains(t, body, "wick_sessions_active 0")
}

func TestSessionsExpire(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultTokenizer(), func(_ *runtime.Options, c *Config) {
		c.SessionTTL = 20 * time.Millisecond
	})
	decodeGenerate(t, doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":"Hi","max_tokens":1,"session":"s"}`))
	assert.Eventually(t, func() bool { return contexts(f) == 0 }, 2*time.Second, 10*time.Millisecond)

	// The id can be reused after expiry.
	decodeGenerate(t, doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":"Hi","max_tokens":1,"session":"s"}`))
	assert.Equal(t, 1, contexts(f))
}

func TestSessionCapacityEvictsOldest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultTokenizer(), func(_ *runtime.Options, c *Config) {
		c.MaxSessions = 1
	})
	decodeGenerate(t, doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":"Hi","max_tokens":1,"session":"a"}`))
	decodeGenerate(t, doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":"Hi","max_tokens":1,"session":"b"}`))
	assert.Eventually(t, func() bool { return contexts(f) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseFreesSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultTokenizer(), nil)
	for _, id := range []string{"a", "b", "c"} {
		decodeGenerate(t, doJSON(t, f.e, http.MethodPost, "/v1/generate", `{"prompt":"Hi","max_tokens":1,"session":"`+id+`"}`))
	}
	require.Equal(t, 3, contexts(f))
	f.server.Close()
	assert.Zero(t, contexts(f))
	f.server.Close()
}
