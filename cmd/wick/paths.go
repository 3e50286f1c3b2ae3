package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	envWickPackOutDir = "WICK_PACK_OUT_DIR"
	envWickModelsDir  = "WICK_MODELS_DIR"
	modelExt          = ".wick"
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// resolvePackOut picks where pack writes name. An explicit path wins, then
// $WICK_PACK_OUT_DIR, then ./out. The bool reports a defaulted path.
func resolvePackOut(name, outFlag string) (string, bool, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		outPath := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return "", false, err
		}
		return outPath, false, nil
	}

	base := filepath.Base(filepath.Clean(strings.TrimSpace(name)))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", true, fmt.Errorf("invalid model name: %q", name)
	}

	outDir := strings.TrimSpace(os.Getenv(envWickPackOutDir))
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}

	outPath := filepath.Join(outDir, base+modelExt)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", true, err
	}
	return outPath, true, nil
}

func resolveModelPath(modelFlag, modelsDir string, stdin io.Reader, stderr io.Writer) (string, error) {
	modelFlag = strings.TrimSpace(modelFlag)
	if modelFlag != "" {
		return filepath.Clean(modelFlag), nil
	}

	modelsDir = strings.TrimSpace(modelsDir)
	if modelsDir == "" {
		modelsDir = strings.TrimSpace(os.Getenv(envWickModelsDir))
	}
	if modelsDir == "" {
		return "", fmt.Errorf("--model or --models-path is required unless %s or %s is set", envWickModel, envWickModelsDir)
	}

	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", fmt.Errorf("no %s models found in %s", modelExt, modelsDir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "using model %s\n", models[0])
		return models[0], nil
	default:
		if !stdinIsTTY() {
			return "", fmt.Errorf("multiple models found in %s but stdin is not interactive; set --model", modelsDir)
		}
		return selectModelInteractively(modelsDir, models, stdin, stderr)
	}
}

func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var models []string
	for _, e := range ents {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), modelExt) {
			continue
		}
		models = append(models, filepath.Join(dir, e.Name()))
	}
	sort.Strings(models)
	return models, nil
}

func selectModelInteractively(modelsDir string, models []string, stdin io.Reader, stderr io.Writer) (string, error) {
	_, _ = fmt.Fprintf(stderr, "select a model from %s\n", modelsDir)
	for i, m := range models {
		_, _ = fmt.Fprintf(stderr, "%d. %s\n", i+1, filepath.Base(m))
	}

	reader := bufio.NewReader(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "enter selection [1-%d]: ", len(models))
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		idx, convErr := strconv.Atoi(line)
		if line != "" && convErr == nil && idx >= 1 && idx <= len(models) {
			return models[idx-1], nil
		}
		if errors.Is(err, io.EOF) {
			return "", errors.New("no valid selection on stdin; set --model")
		}
		if line != "" {
			_, _ = fmt.Fprintf(stderr, "invalid selection %q\n", line)
		}
	}
}

// readPrompt takes the prompt from the flag, then the arguments. A lone "-"
// or no prompt with piped stdin reads stdin.
func readPrompt(flag string, args []string, stdin io.Reader) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if len(args) == 1 && args[0] == "-" || len(args) == 0 && !stdinIsTTY() {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		return strings.TrimRight(string(data), "\n"), nil
	}
	if len(args) == 0 {
		return "", errors.New("a prompt is required (--prompt, argument or stdin)")
	}
	return strings.Join(args, " "), nil
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
