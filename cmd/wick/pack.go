package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/wick/internal/logger"
	"github.com/samcharles93/wick/internal/model"
	"github.com/samcharles93/wick/internal/tokenizer"
	"github.com/samcharles93/wick/internal/weights"
)

// packParams is everything pack needs besides the output path.
type packParams struct {
	Name      string
	TokJSON   string
	TokConfig string
	DType     string
	Seed      int64
	Tie       bool
	Config    model.Config
}

func packCmd() *cli.Command {
	var (
		p   packParams
		out string

		dim, layers, heads, kvHeads, ffn, maxPos int64
	)
	tiny := model.TinyConfig()

	return &cli.Command{
		Name:  "pack",
		Usage: "Write a .wick model with deterministic random weights",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "model name (also the default file name)", Value: "tiny", Destination: &p.Name},
			&cli.StringFlag{Name: "output", Aliases: []string{"out", "o"}, Usage: "output .wick path", Destination: &out},
			&cli.StringFlag{Name: "tokenizer-json", Usage: "Hugging Face tokenizer.json (BPE); default is a byte-level vocabulary", Destination: &p.TokJSON},
			&cli.StringFlag{Name: "tokenizer-config", Usage: "tokenizer_config.json next to --tokenizer-json", Destination: &p.TokConfig},
			&cli.StringFlag{Name: "dtype", Usage: "weight encoding: f32|f16", Value: "f32", Destination: &p.DType},
			&cli.Int64Flag{Name: "seed", Usage: "weight RNG seed", Value: 1, Destination: &p.Seed},
			&cli.BoolFlag{Name: "tie", Usage: "share the embedding with the output projection", Destination: &p.Tie},
			&cli.Int64Flag{Name: "dim", Value: int64(tiny.Dim), Destination: &dim},
			&cli.Int64Flag{Name: "layers", Value: int64(tiny.Layers), Destination: &layers},
			&cli.Int64Flag{Name: "heads", Value: int64(tiny.Heads), Destination: &heads},
			&cli.Int64Flag{Name: "kv-heads", Value: int64(tiny.KVHeads), Destination: &kvHeads},
			&cli.Int64Flag{Name: "ffn", Value: int64(tiny.FFN), Destination: &ffn},
			&cli.Int64Flag{Name: "max-position", Value: int64(tiny.MaxPos), Destination: &maxPos},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			p.Config = tiny
			p.Config.Dim = int(dim)
			p.Config.Layers = int(layers)
			p.Config.Heads = int(heads)
			p.Config.KVHeads = int(kvHeads)
			p.Config.FFN = int(ffn)
			p.Config.MaxPos = int(maxPos)

			outPath, defaulted, err := resolvePackOut(p.Name, out)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve output: %v", err), 1)
			}
			if defaulted {
				log.Info("output path not set, using default", "path", outPath)
			}
			n, err := packModel(outPath, p)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: pack: %v", err), 1)
			}
			st, err := os.Stat(outPath)
			if err != nil {
				return err
			}
			log.Info("packed model", "path", outPath, "tensors", n, "size", humanize.IBytes(uint64(st.Size())))
			_, _ = fmt.Fprintln(c.Root().Writer, outPath)
			return nil
		},
	}
}

// packModel writes a synthesized model to path and returns its tensor count.
func packModel(path string, p packParams) (int, error) {
	tok := tokenizer.ByteLevelConfig(nil, tokenizer.DefaultBOS, tokenizer.DefaultEOS)
	if p.TokJSON != "" {
		var err error
		if tok, err = tokenizer.LoadHFConfig(p.TokJSON, p.TokConfig); err != nil {
			return 0, err
		}
	}
	// The vocab must build before it is baked into the file.
	if _, err := tokenizer.NewVocab(tok); err != nil {
		return 0, err
	}
	dt, err := weights.ParseDType(p.DType)
	if err != nil {
		return 0, err
	}
	meta, ts, err := model.Synthesize(model.SynthOptions{
		Name:      p.Name,
		Config:    p.Config,
		Tokenizer: tok,
		DType:     dt,
		Seed:      p.Seed,
		TieOutput: p.Tie,
	})
	if err != nil {
		return 0, err
	}
	if err := weights.Create(path, meta, ts); err != nil {
		return 0, err
	}
	return len(ts), nil
}
