// Package metrics defines the prometheus metrics wick exposes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/samcharles93/wick/internal/inference"
)

// Metrics implements runtime.Observer and records HTTP traffic.
type Metrics struct {
	ModelLoadSeconds   prometheus.Histogram
	ModelBytes         prometheus.Gauge
	ModelsLoaded       prometheus.Gauge
	ContextsActive     prometheus.Gauge
	GenerationSeconds  prometheus.Histogram
	PromptTokens       prometheus.Counter
	CompletionTokens   prometheus.Counter
	TokensPerSecond    prometheus.Histogram
	Generations        *prometheus.CounterVec
	GenerationFailures *prometheus.CounterVec
	ResponseCodes      *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
}

// New registers every metric on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ModelLoadSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wick_model_load_duration_seconds",
			Help:    "Time taken to load a model in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		ModelBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "wick_model_bytes",
			Help: "Resident weight bytes of the most recently loaded model",
		}),
		ModelsLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "wick_models_loaded",
			Help: "Models currently loaded",
		}),
		ContextsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "wick_contexts_active",
			Help: "Inference contexts currently allocated",
		}),
		GenerationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wick_generation_duration_seconds",
			Help:    "Wall-clock time of a generation in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30, 40},
		}),
		PromptTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "wick_prompt_tokens_total",
			Help: "Total number of prompt tokens evaluated",
		}),
		CompletionTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "wick_completion_tokens_total",
			Help: "Total number of tokens generated",
		}),
		TokensPerSecond: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wick_tokens_per_second",
			Help:    "Generated tokens per second",
			Buckets: []float64{1, 5, 10, 20, 40, 80, 160, 320, 640},
		}),
		Generations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wick_generations_total",
			Help: "Completed generations by stop reason",
		}, []string{"stop_reason"}),
		GenerationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wick_generation_failures_total",
			Help: "Generations that produced no text, by cause",
		}, []string{"reason"}),
		ResponseCodes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wick_http_responses_total",
			Help: "HTTP responses by route and status code",
		}, []string{"path", "status_code"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "wick_sessions_active",
			Help: "HTTP sessions holding a context",
		}),
	}
}

func (m *Metrics) ModelLoaded(d time.Duration, bytes int) {
	m.ModelLoadSeconds.Observe(d.Seconds())
	m.ModelBytes.Set(float64(bytes))
	m.ModelsLoaded.Inc()
}

func (m *Metrics) ModelFreed()     { m.ModelsLoaded.Dec() }
func (m *Metrics) ContextCreated() { m.ContextsActive.Inc() }
func (m *Metrics) ContextFreed()   { m.ContextsActive.Dec() }

func (m *Metrics) GenerationDone(res *inference.Result) {
	m.Generations.WithLabelValues(res.StopReason.String()).Inc()
	m.GenerationSeconds.Observe(res.Duration.Seconds())
	m.PromptTokens.Add(float64(res.PromptTokens))
	m.CompletionTokens.Add(float64(res.GeneratedTokens))
	if s := res.Duration.Seconds(); s > 0 && res.GeneratedTokens > 0 {
		m.TokensPerSecond.Observe(float64(res.GeneratedTokens) / s)
	}
}

func (m *Metrics) GenerationFailed(reason string) {
	m.GenerationFailures.WithLabelValues(reason).Inc()
}
