package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/wick/internal/weights"
)

type modelSummary struct {
	Path        string               `json:"path"`
	FileBytes   int64                `json:"file_bytes"`
	Name        string               `json:"name"`
	Arch        string               `json:"arch"`
	Model       weights.ModelConfig  `json:"model"`
	Params      int                  `json:"params"`
	Tokenizer   tokenizerSummary     `json:"tokenizer"`
	TensorCount int                  `json:"tensor_count"`
	Tensors     []weights.TensorInfo `json:"tensors,omitempty"`
}

type tokenizerSummary struct {
	Pre        string `json:"pre"`
	VocabSize  int    `json:"vocab_size"`
	MergeCount int    `json:"merge_count"`
	AddBOS     bool   `json:"add_bos"`
	BOS        string `json:"bos"`
	EOS        string `json:"eos"`
	UNK        string `json:"unk,omitempty"`
	BOSID      int    `json:"bos_id"`
	EOSID      int    `json:"eos_id"`
	UNKID      int    `json:"unk_id"`
	EOGIDs     []int  `json:"eog_ids,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		path         string
		showTensors  bool
		asJSON       bool
		tensorLimit  int64
		tensorFilter string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the metadata of a .wick model",
		ArgsUsage: "[model.wick]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .wick file",
				Sources:     cli.EnvVars(envWickModel),
				Destination: &path,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensor index", Destination: &showTensors},
			&cli.BoolFlag{Name: "json", Usage: "print the summary as JSON", Destination: &asJSON},
			&cli.Int64Flag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Present() {
				path = c.Args().First()
			}
			if path == "" {
				return cli.Exit("error: a model path is required", 1)
			}
			sum, err := summarize(path, showTensors || asJSON, tensorFilter, int(tensorLimit))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if asJSON {
				enc := json.NewEncoder(c.Root().Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(sum)
			}
			printSummary(c.Root().Writer, sum, showTensors)
			return nil
		},
	}
}

func summarize(path string, withTensors bool, filter string, limit int) (modelSummary, error) {
	st, err := os.Stat(path)
	if err != nil {
		return modelSummary{}, err
	}
	f, err := weights.Open(path)
	if err != nil {
		return modelSummary{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	meta := f.Meta
	sum := modelSummary{
		Path:        path,
		FileBytes:   st.Size(),
		Name:        meta.Name,
		Arch:        meta.Arch,
		Model:       meta.Model,
		TensorCount: len(meta.Tensors),
		Tokenizer: tokenizerSummary{
			Pre:        meta.Tokenizer.Pre,
			VocabSize:  len(meta.Tokenizer.Tokens),
			MergeCount: len(meta.Tokenizer.Merges),
			AddBOS:     meta.Tokenizer.AddBOS,
			BOS:        tokenAt(meta.Tokenizer.Tokens, meta.Tokenizer.BOS),
			EOS:        tokenAt(meta.Tokenizer.Tokens, meta.Tokenizer.EOS),
			UNK:        tokenAt(meta.Tokenizer.Tokens, meta.Tokenizer.UNK),
			BOSID:      meta.Tokenizer.BOS,
			EOSID:      meta.Tokenizer.EOS,
			UNKID:      meta.Tokenizer.UNK,
			EOGIDs:     meta.Tokenizer.EOG,
		},
	}
	for _, t := range meta.Tensors {
		if n, err := t.Elements(); err == nil {
			sum.Params += n
		}
		if !withTensors || (filter != "" && !strings.Contains(t.Name, filter)) {
			continue
		}
		if limit > 0 && len(sum.Tensors) >= limit {
			continue
		}
		sum.Tensors = append(sum.Tensors, t)
	}
	return sum, nil
}

func tokenAt(tokens []string, id int) string {
	if id < 0 || id >= len(tokens) {
		return ""
	}
	return tokens[id]
}

func printSummary(w io.Writer, s modelSummary, showTensors bool) {
	_, _ = fmt.Fprintf(w, "Wick Inspect: %s\n", s.Path)
	_, _ = fmt.Fprintf(w, "File: %s (%s)\n", filepath.Base(s.Path), humanize.IBytes(uint64(s.FileBytes)))
	_, _ = fmt.Fprintf(w, "Name: %s  Arch: %s\n", s.Name, s.Arch)

	m := s.Model
	_, _ = fmt.Fprintln(w, "\nParameters")
	_, _ = fmt.Fprintf(w, "  params:       %s\n", humanize.Comma(int64(s.Params)))
	_, _ = fmt.Fprintf(w, "  vocab_size:   %d\n", m.VocabSize)
	_, _ = fmt.Fprintf(w, "  dim:          %d\n", m.Dim)
	_, _ = fmt.Fprintf(w, "  layers:       %d\n", m.Layers)
	_, _ = fmt.Fprintf(w, "  heads:        %d (kv %d)\n", m.Heads, m.KVHeads)
	_, _ = fmt.Fprintf(w, "  ffn:          %d\n", m.FFN)
	_, _ = fmt.Fprintf(w, "  max_position: %d\n", m.MaxPos)
	_, _ = fmt.Fprintf(w, "  rope_theta:   %g\n", m.RopeTheta)
	_, _ = fmt.Fprintf(w, "  norm_eps:     %g\n", m.NormEps)

	t := s.Tokenizer
	_, _ = fmt.Fprintln(w, "\nTokenizer")
	_, _ = fmt.Fprintf(w, "  pre:     %s\n", t.Pre)
	_, _ = fmt.Fprintf(w, "  tokens:  %d\n", t.VocabSize)
	_, _ = fmt.Fprintf(w, "  merges:  %d\n", t.MergeCount)
	_, _ = fmt.Fprintf(w, "  bos:     %d %q (add_bos=%t)\n", t.BOSID, t.BOS, t.AddBOS)
	_, _ = fmt.Fprintf(w, "  eos:     %d %q\n", t.EOSID, t.EOS)
	if t.UNKID >= 0 {
		_, _ = fmt.Fprintf(w, "  unk:     %d %q\n", t.UNKID, t.UNK)
	}

	_, _ = fmt.Fprintf(w, "\nTensors: %d\n", s.TensorCount)
	if !showTensors {
		return
	}
	for _, ti := range s.Tensors {
		_, _ = fmt.Fprintf(w, "  %-28s %-4s %-14s %s\n", ti.Name, ti.DType, fmt.Sprint(ti.Shape), humanize.IBytes(ti.Size))
	}
	if len(s.Tensors) < s.TensorCount {
		// Filtered or truncated.
		_, _ = fmt.Fprintf(w, "  ... %d not shown\n", s.TensorCount-len(s.Tensors))
	}
}
