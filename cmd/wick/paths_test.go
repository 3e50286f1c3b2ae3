package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func withTTY(t *testing.T, tty bool) {
	t.Helper()
	prev := stdinIsTTY
	stdinIsTTY = func() bool { return tty }
	t.Cleanup(func() { stdinIsTTY = prev })
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestResolvePackOut(t *testing.T) {
	t.Run("explicit output wins", func(t *testing.T) {
		outPath := filepath.Join(t.TempDir(), "nested", "model.wick")
		got, defaulted, err := resolvePackOut("tiny", outPath)
		if err != nil {
			t.Fatalf("resolvePackOut returned error: %v", err)
		}
		if defaulted || got != filepath.Clean(outPath) {
			t.Fatalf("got %q defaulted=%t", got, defaulted)
		}
		if _, err := os.Stat(filepath.Dir(got)); err != nil {
			t.Fatalf("expected output directory to exist: %v", err)
		}
	})

	t.Run("env output dir overrides default", func(t *testing.T) {
		envDir := filepath.Join(t.TempDir(), "pack-out")
		t.Setenv(envWickPackOutDir, envDir)

		got, defaulted, err := resolvePackOut("ModelA", "")
		if err != nil {
			t.Fatalf("resolvePackOut returned error: %v", err)
		}
		if want := filepath.Join(envDir, "ModelA.wick"); !defaulted || got != want {
			t.Fatalf("got %q defaulted=%t, want %q", got, defaulted, want)
		}
	})

	t.Run("invalid name", func(t *testing.T) {
		t.Setenv(envWickPackOutDir, t.TempDir())
		if _, _, err := resolvePackOut("  ", ""); err == nil {
			t.Fatalf("expected error for blank name")
		}
	})
}

func TestDiscoverModelsSorted(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "b.wick", "a.WICK", "ignore.txt")

	got, err := discoverModels(dir)
	if err != nil {
		t.Fatalf("discoverModels returned error: %v", err)
	}
	want := []string{filepath.Join(dir, "a.WICK"), filepath.Join(dir, "b.wick")}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestResolveModelPath(t *testing.T) {
	t.Run("model flag bypasses env", func(t *testing.T) {
		t.Setenv(envWickModelsDir, "")
		got, err := resolveModelPath("/tmp/model.wick", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil || got != filepath.Clean("/tmp/model.wick") {
			t.Fatalf("got %q, %v", got, err)
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		t.Setenv(envWickModelsDir, "")
		if _, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error without --model")
		}
	})

	t.Run("single model selects automatically", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "only.wick")
		t.Setenv(envWickModelsDir, dir)
		withTTY(t, false)

		got, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil || got != filepath.Join(dir, "only.wick") {
			t.Fatalf("got %q, %v", got, err)
		}
	})

	t.Run("multiple models requires tty", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "a.wick", "b.wick")
		withTTY(t, false)

		if _, err := resolveModelPath("", dir, bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error when multiple models and stdin is not a tty")
		}
	})

	t.Run("interactive selection skips bad input", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "b.wick", "a.wick")
		withTTY(t, true)

		var stderr bytes.Buffer
		got, err := resolveModelPath("", dir, bytes.NewBufferString("9\nx\n2\n"), &stderr)
		if err != nil || got != filepath.Join(dir, "b.wick") {
			t.Fatalf("got %q, %v", got, err)
		}
		if !strings.Contains(stderr.String(), `invalid selection "9"`) {
			t.Fatalf("missing invalid selection notice: %s", stderr.String())
		}
	})

	t.Run("interactive selection eof", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "a.wick", "b.wick")
		withTTY(t, true)

		if _, err := resolveModelPath("", dir, bytes.NewBufferString(""), io.Discard); err == nil {
			t.Fatalf("expected error on empty stdin")
		}
	})
}

func TestReadPrompt(t *testing.T) {
	withTTY(t, true)

	cases := []struct {
		name  string
		flag  string
		args  []string
		stdin string
		want  string
		err   bool
	}{
		{name: "flag", flag: "hi", args: []string{"ignored"}, want: "hi"},
		{name: "args joined", args: []string{"hello", "world"}, want: "hello world"},
		{name: "dash reads stdin", args: []string{"-"}, stdin: "from stdin\n", want: "from stdin"},
		{name: "missing", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readPrompt(tc.flag, tc.args, strings.NewReader(tc.stdin))
			if tc.err {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %q, %v want %q", got, err, tc.want)
			}
		})
	}
}

func TestReadPromptPipedStdin(t *testing.T) {
	withTTY(t, false)
	got, err := readPrompt("", nil, strings.NewReader("piped"))
	if err != nil || got != "piped" {
		t.Fatalf("got %q, %v", got, err)
	}
}
