package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/wick/internal/inference"
	"github.com/samcharles93/wick/internal/logger"
	"github.com/samcharles93/wick/internal/runtime"
)

func generateCmd() *cli.Command {
	var (
		prompt string
		asJSON bool
	)

	return &cli.Command{
		Name:      "generate",
		Aliases:   []string{"gen"},
		Usage:     "Generate a completion for one prompt",
		ArgsUsage: "[prompt]",
		Flags: append(append(commonModelFlags(), generationFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (\"-\" or piped stdin also work)",
				Destination: &prompt,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the result as JSON",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyModelConfig(c, fileConfig)
			applyGenerationConfig(c, fileConfig)
			log := logger.FromContext(ctx)
			stdout := c.Root().Writer

			text, err := readPrompt(prompt, c.Args().Slice(), os.Stdin)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, c.Root().ErrWriter)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			opts, err := generationOptions()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			mgr := runtime.NewManager(runtime.Options{Generation: opts, Logger: log})
			defer func() { _ = mgr.Close() }()

			sess, err := mgr.OpenSession(path, int(maxContext), int(gpuLayers))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() {
				if err := sess.Close(); err != nil {
					log.Warn("close session", "error", err)
				}
			}()

			res, err := sess.Generate(ctx, text, int(maxTokens))
			if err != nil {
				_, _ = fmt.Fprintln(stdout, runtime.Sentinel(err))
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return writeResult(stdout, c.Root().ErrWriter, res, asJSON)
		},
	}
}

type resultJSON struct {
	Text             string `json:"text"`
	StopReason       string `json:"stop_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	DurationMS       int64  `json:"duration_ms"`
	DecodeError      string `json:"decode_error,omitempty"`
}

func writeResult(stdout, stderr io.Writer, res *inference.Result, asJSON bool) error {
	if asJSON {
		out := resultJSON{
			Text:             res.Text,
			StopReason:       res.StopReason.String(),
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.GeneratedTokens,
			DurationMS:       res.Duration.Milliseconds(),
		}
		if res.DecodeErr != nil {
			out.DecodeError = res.DecodeErr.Error()
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if _, err := fmt.Fprintln(stdout, res.Text); err != nil {
		return err
	}
	tps := 0.0
	if s := res.Duration.Seconds(); s > 0 {
		tps = float64(res.GeneratedTokens) / s
	}
	_, err := fmt.Fprintf(stderr, "\n[%d prompt tokens, %d generated in %s (%.1f tok/s), stop=%s]\n",
		res.PromptTokens, res.GeneratedTokens, res.Duration.Round(time.Millisecond), tps, res.StopReason)
	return err
}
