package inference

import (
	"time"

	"github.com/samcharles93/wick/internal/batch"
	"github.com/samcharles93/wick/internal/sampling"
)

// DefaultTimeBudget bounds the wall-clock time of one generation.
const DefaultTimeBudget = 30 * time.Second

// DefaultMaxTokens is used when Options.MaxTokens is negative.
const DefaultMaxTokens = 512

// StopReason is the state a generation ended in.
type StopReason int

const (
	PromptEval StopReason = iota
	Generating
	StoppedEOS
	StoppedMaxLen
	StoppedTimeout
	StoppedError
)

func (r StopReason) String() string {
	switch r {
	case PromptEval:
		return "prompt_eval"
	case Generating:
		return "generating"
	case StoppedEOS:
		return "eos"
	case StoppedMaxLen:
		return "max_tokens"
	case StoppedTimeout:
		return "timeout"
	case StoppedError:
		return "error"
	default:
		return "unknown"
	}
}

// Decoder is the compute backend as seen by the loop.
type Decoder interface {
	Decode(b *batch.Batch) error
	Logits(i int) ([]float32, error)
	NBatch() int
}

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Piece(id int) (string, error)
	IsEOG(id int) bool
}

// Options control one generation.
type Options struct {
	// MaxTokens caps generated tokens. Zero generates nothing; negative
	// selects DefaultMaxTokens.
	MaxTokens  int
	TimeBudget time.Duration
	Sampling   sampling.Config
	// Clock defaults to time.Now.
	Clock func() time.Time
	// ChunkPrompt evaluates prompts longer than the batch size in several
	// decodes instead of rejecting them.
	ChunkPrompt bool
}

// DefaultOptions returns the stock limits and sampler.
func DefaultOptions() Options {
	return Options{
		MaxTokens:  DefaultMaxTokens,
		TimeBudget: DefaultTimeBudget,
		Sampling:   sampling.DefaultConfig(),
	}
}

// Result is the outcome of a generation that got past prompt evaluation.
type Result struct {
	Text            string
	StopReason      StopReason
	PromptTokens    int
	GeneratedTokens int
	Duration        time.Duration
	// DecodeErr is set when a decode during generation failed. Text holds
	// everything produced before the failure.
	DecodeErr error
}
