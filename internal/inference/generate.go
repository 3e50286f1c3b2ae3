// Package inference runs the autoregressive generation loop: tokenize,
// evaluate the prompt in one batch, then sample and decode one token at a
// time until end of generation, the token limit or the time budget.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/wick/internal/batch"
	"github.com/samcharles93/wick/internal/logger"
	"github.com/samcharles93/wick/internal/sampling"
)

const seqID = 0

// Generator ties a decoder and tokenizer to a set of options. The decoder
// must not be used by anything else while Run is in progress.
type Generator struct {
	Decoder   Decoder
	Tokenizer Tokenizer
	Options   Options
}

// Generate is a convenience wrapper around Generator.Run.
func Generate(ctx context.Context, d Decoder, tok Tokenizer, prompt string, opts Options) (*Result, error) {
	g := &Generator{Decoder: d, Tokenizer: tok, Options: opts}
	return g.Run(ctx, prompt)
}

// Run generates text for prompt. It returns an error only when nothing was
// generated: the prompt failed to tokenize, was too long, or its
// evaluation failed. Every other ending, including a failed decode
// mid-generation, returns a Result with the text produced so far.
//
// ctx only carries the logger. The time budget is the single cancellation
// mechanism and is checked between decode calls.
func (g *Generator) Run(ctx context.Context, prompt string) (*Result, error) {
	log := logger.FromContext(ctx)
	opts := g.Options
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	budget := opts.TimeBudget
	if budget <= 0 {
		budget = DefaultTimeBudget
	}
	maxTokens := opts.MaxTokens
	if maxTokens < 0 {
		maxTokens = DefaultMaxTokens
	}
	start := now()

	tokens, err := safeEncode(g.Tokenizer, prompt)
	if err != nil {
		return nil, err
	}
	log.Debug("prompt tokenized", "tokens", len(tokens))

	nBatch := g.Decoder.NBatch()
	if len(tokens) > nBatch && !opts.ChunkPrompt {
		return nil, fmt.Errorf("%w: %d tokens, batch size %d", ErrPromptTooLong, len(tokens), nBatch)
	}

	log.Debug("evaluating prompt", "tokens", len(tokens))
	b, err := g.evalPrompt(tokens, nBatch)
	if err != nil {
		return nil, err
	}

	chain := sampling.NewFromConfig(opts.Sampling)
	res := &Result{PromptTokens: len(tokens), StopReason: Generating}
	var sb strings.Builder
	cur := len(tokens)

	for step := 0; step < maxTokens; step++ {
		if elapsed := now().Sub(start); elapsed > budget {
			log.Info("time limit reached", "step", step, "elapsed", elapsed)
			res.StopReason = StoppedTimeout
			break
		}

		id, err := chain.Sample(g.Decoder, -1)
		if err != nil {
			res.StopReason = StoppedError
			res.DecodeErr = err
			break
		}
		if g.Tokenizer.IsEOG(id) {
			log.Debug("end of generation", "step", step)
			res.StopReason = StoppedEOS
			break
		}

		piece, err := g.Tokenizer.Piece(id)
		if err != nil {
			res.StopReason = StoppedError
			res.DecodeErr = fmt.Errorf("detokenize %d: %w", id, err)
			break
		}
		sb.WriteString(piece)
		res.GeneratedTokens++

		b.Clear()
		if err := b.Add(id, cur, []int{seqID}, true); err != nil {
			res.StopReason = StoppedError
			res.DecodeErr = err
			break
		}
		if err := safeDecode(g.Decoder, b); err != nil {
			log.Warn("decode failed", "step", step, "pos", cur, "error", err)
			res.StopReason = StoppedError
			res.DecodeErr = err
			break
		}
		cur++
	}
	if res.StopReason == Generating {
		res.StopReason = StoppedMaxLen
	}

	res.Text = sb.String()
	res.Duration = now().Sub(start)
	log.Info("generation finished",
		"chars", len(res.Text),
		"steps", res.GeneratedTokens,
		"reason", res.StopReason.String(),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// evalPrompt decodes tokens at positions 0..n-1 with an output only on the
// last one. The returned batch is reused for single-token steps.
func (g *Generator) evalPrompt(tokens []int, nBatch int) (*batch.Batch, error) {
	size := min(len(tokens), nBatch)
	b, err := batch.New(size, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPromptDecode, err)
	}
	for off := 0; off < len(tokens); off += size {
		end := min(off+size, len(tokens))
		b.Clear()
		for i := off; i < end; i++ {
			if err := b.Add(tokens[i], i, []int{seqID}, i == len(tokens)-1); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrPromptDecode, err)
			}
		}
		if err := safeDecode(g.Decoder, b); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPromptDecode, err)
		}
	}
	return b, nil
}

func safeEncode(tok Tokenizer, prompt string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic in Encode: %v", ErrTokenization, rec)
		}
	}()
	ids, err = tok.Encode(prompt)
	if err != nil {
		if errors.Is(err, ErrTokenization) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenization, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty result", ErrTokenization)
	}
	return ids, nil
}

func safeDecode(d Decoder, b *batch.Batch) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Decode: %v", rec)
		}
	}()
	return d.Decode(b)
}
