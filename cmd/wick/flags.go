package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/wick/internal/inference"
	"github.com/samcharles93/wick/internal/logger"
	"github.com/samcharles93/wick/internal/runtime"
	"github.com/samcharles93/wick/internal/sampling"
)

const envWickModel = "WICK_MODEL"

var (
	modelPath  string
	modelsPath string
	maxContext int64
	gpuLayers  int64
	logLevel   string
	logFormat  string
	debug      bool

	// fileConfig is loaded once by the root Before hook.
	fileConfig Config
)

// Generation settings shared by generate and serve.
var (
	maxTokens     int64
	seed          int64
	temperature   float64
	topK          int64
	topP          float64
	repeatPenalty float64
	repeatLastN   int64
	timeBudget    time.Duration
	chunkPrompt   bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .wick file",
			Sources:     cli.EnvVars(envWickModel),
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "path to directory containing .wick models",
			Destination: &modelsPath,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"max-ctx", "ctx", "c"},
			Usage:       "context size in tokens",
			Value:       runtime.DefaultContextSize,
			Destination: &maxContext,
		},
		&cli.Int64Flag{
			Name:        "gpu-layers",
			Aliases:     []string{"ngl"},
			Usage:       "layers to offload to an accelerator (recorded; the CPU backend runs all layers)",
			Value:       runtime.DefaultGPULayers,
			Destination: &gpuLayers,
		},
	}
}

func generationFlags() []cli.Flag {
	def := sampling.DefaultConfig()
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n"},
			Usage:       "maximum tokens to generate",
			Value:       inference.DefaultMaxTokens,
			Destination: &maxTokens,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed",
			Value:       def.Seed,
			Destination: &seed,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (<= 0 is greedy)",
			Value:       float64(def.Temperature),
			Destination: &temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling parameter",
			Value:       int64(def.TopK),
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "top-p sampling parameter",
			Value:       float64(def.TopP),
			Destination: &topP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       float64(def.RepeatPenalty),
			Destination: &repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Usage:       "last n tokens to penalize",
			Value:       int64(def.PenaltyLastN),
			Destination: &repeatLastN,
		},
		&cli.DurationFlag{
			Name:        "time-budget",
			Usage:       "wall-clock limit per generation",
			Value:       inference.DefaultTimeBudget,
			Destination: &timeBudget,
		},
		&cli.BoolFlag{
			Name:        "chunk-prompt",
			Usage:       "evaluate prompts longer than the batch in several passes",
			Destination: &chunkPrompt,
		},
	}
}

func generationOptions() (inference.Options, error) {
	opts := inference.Options{
		MaxTokens:   int(maxTokens),
		TimeBudget:  timeBudget,
		ChunkPrompt: chunkPrompt,
		Sampling: sampling.Config{
			TopK:          int(topK),
			TopP:          float32(topP),
			MinKeep:       1,
			Temperature:   float32(temperature),
			PenaltyLastN:  int(repeatLastN),
			RepeatPenalty: float32(repeatPenalty),
			Seed:          seed,
		},
	}
	return opts, opts.Sampling.Validate()
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	applyLoggingConfig(cmd, cfg)

	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return ctx, err
	}
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	return logger.WithContext(ctx, logger.NewFormat(os.Stderr, format, level)), nil
}
