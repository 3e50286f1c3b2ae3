// Package api serves text generation over HTTP.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/wick/internal/handle"
	"github.com/samcharles93/wick/internal/inference"
	"github.com/samcharles93/wick/internal/logger"
	"github.com/samcharles93/wick/internal/metrics"
	"github.com/samcharles93/wick/internal/runtime"
)

const (
	routeGenerate = "/v1/generate"
	routeModel    = "/v1/model"
	routeSession  = "/v1/sessions/:id"
	routeHealth   = "/healthz"
	routeMetrics  = "/metrics"
)

// Config wires a Server to a model already loaded in Manager.
type Config struct {
	Manager *runtime.Manager
	Model   runtime.ModelHandle
	// ContextSize is the n_ctx of every context the server creates.
	ContextSize int
	SessionTTL  time.Duration
	MaxSessions int
	Metrics     *metrics.Metrics
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	Logger   logger.Logger
	Clock    func() time.Time
}

type Server struct {
	mgr      *runtime.Manager
	model    runtime.ModelHandle
	nCtx     int
	sessions *sessionStore
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      logger.Logger
	clock    func() time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = runtime.DefaultContextSize
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Server{
		mgr:      cfg.Manager,
		model:    cfg.Model,
		nCtx:     cfg.ContextSize,
		sessions: newSessionStore(cfg.Manager, cfg.Model, cfg.ContextSize, cfg.SessionTTL, uint64(cfg.MaxSessions), cfg.Metrics, cfg.Logger),
		metrics:  cfg.Metrics,
		gatherer: cfg.Gatherer,
		log:      cfg.Logger,
		clock:    cfg.Clock,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST(routeGenerate, s.handleGenerate)
	e.GET(routeModel, s.handleModel)
	e.DELETE(routeSession, s.handleDeleteSession)
	e.GET(routeHealth, s.handleHealth)
	if s.gatherer != nil {
		e.GET(routeMetrics, echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Close frees every session context. The model stays with the Manager.
func (s *Server) Close() {
	s.sessions.close()
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return s.writeGenerateError(c, err)
	}
	maxTokens := -1
	if req.MaxTokens != nil {
		if *req.MaxTokens < 0 {
			return s.writeRequestError(c, routeGenerate, badRequest("max_tokens", "max_tokens must not be negative"))
		}
		maxTokens = *req.MaxTokens
	}
	session := strings.TrimSpace(req.Session)

	res, err := s.generate(c, session, req.Prompt, maxTokens)
	if err != nil {
		return s.writeGenerateError(c, err)
	}
	return s.json(c, routeGenerate, http.StatusOK, GenerateResponse{
		ID:               "gen_" + uuid.NewString(),
		Object:           "generation",
		Created:          s.clock().Unix(),
		Session:          session,
		Text:             res.Text,
		StopReason:       res.StopReason.String(),
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.GeneratedTokens,
		DurationMS:       res.Duration.Milliseconds(),
	})
}

func (s *Server) generate(c *echo.Context, session, prompt string, maxTokens int) (*inference.Result, error) {
	ctx := c.Request().Context()
	if session == "" {
		ch, err := s.mgr.CreateContext(s.model, s.nCtx)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := s.mgr.FreeContext(ch); err != nil {
				s.log.Warn("free request context", "error", err)
			}
		}()
		return s.mgr.GenerateResult(ctx, ch, s.model, prompt, maxTokens)
	}

	ch, err := s.sessions.acquire(session)
	if err != nil {
		return nil, err
	}
	res, err := s.mgr.GenerateResult(ctx, ch, s.model, prompt, maxTokens)
	if errors.Is(err, handle.ErrStale) {
		// Evicted between lookup and use.
		s.sessions.drop(session)
		if ch, err = s.sessions.acquire(session); err != nil {
			return nil, err
		}
		res, err = s.mgr.GenerateResult(ctx, ch, s.model, prompt, maxTokens)
	}
	return res, err
}

func (s *Server) writeGenerateError(c *echo.Context, err error) error {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return s.writeRequestError(c, routeGenerate, re)
	case errors.Is(err, inference.ErrTokenization), errors.Is(err, inference.ErrPromptTooLong):
		return s.writeError(c, routeGenerate, http.StatusBadRequest, "invalid_request_error", runtime.Sentinel(err), "prompt", "")
	case errors.Is(err, inference.ErrPromptDecode):
		return s.writeError(c, routeGenerate, http.StatusInternalServerError, "server_error", runtime.Sentinel(err), "", "decode_failed")
	case errors.Is(err, runtime.ErrContextCreation), errors.Is(err, handle.ErrStale), errors.Is(err, handle.ErrNull):
		s.log.Error("generation unavailable", "error", err)
		return s.writeError(c, routeGenerate, http.StatusServiceUnavailable, "unavailable_error", err.Error(), "", "")
	default:
		s.log.Error("generation failed", "error", err)
		return s.writeError(c, routeGenerate, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}

func (s *Server) handleModel(c *echo.Context) error {
	info, err := s.mgr.Model(s.model)
	if err != nil {
		return s.writeError(c, routeModel, http.StatusServiceUnavailable, "unavailable_error", err.Error(), "", "")
	}
	return s.json(c, routeModel, http.StatusOK, ModelResponse{
		Object:      "model",
		Name:        info.Name,
		Arch:        info.Arch,
		Path:        info.Path,
		VocabSize:   info.Config.VocabSize,
		Dim:         info.Config.Dim,
		Layers:      info.Config.Layers,
		Heads:       info.Config.Heads,
		KVHeads:     info.Config.KVHeads,
		MaxPos:      info.Config.MaxPos,
		RopeTheta:   info.Config.RopeTheta,
		ContextSize: s.nCtx,
		Bytes:       info.Bytes,
		Size:        humanize.IBytes(uint64(info.Bytes)),
		GPULayers:   info.GPULayers,
		Contexts:    info.Contexts,
		Sessions:    s.sessions.len(),
	})
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.sessions.drop(id) {
		return s.writeRequestError(c, routeSession, notFound("id", "session not found"))
	}
	return s.json(c, routeSession, http.StatusOK, SessionDeleted{ID: id, Object: "session.deleted", Deleted: true})
}

func (s *Server) handleHealth(c *echo.Context) error {
	if _, err := s.mgr.Model(s.model); err != nil {
		return s.json(c, routeHealth, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
	}
	return s.json(c, routeHealth, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) json(c *echo.Context, route string, status int, v any) error {
	s.metrics.ResponseCodes.WithLabelValues(route, strconv.Itoa(status)).Inc()
	return c.JSON(status, v)
}

func (s *Server) writeRequestError(c *echo.Context, route string, re *requestError) error {
	return s.json(c, route, re.status, map[string]any{"error": re.body()})
}

func (s *Server) writeError(c *echo.Context, route string, status int, errType, msg, param, code string) error {
	return s.json(c, route, status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, badRequest("", "request body is required")
		}
		return out, badRequest("", "invalid JSON: "+err.Error())
	}
	return out, nil
}
