package sampling

import (
	"errors"
	"math/rand"
	"sort"
	"testing"
)

type rowSource struct {
	rows [][]float32
	err  error
}

func (s rowSource) Logits(i int) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	if i < 0 {
		i = len(s.rows) - 1
	}
	return s.rows[i], nil
}

// TestChainDeterminism ensures two chains with the same seed draw the same
// sequence from the same logits.
func TestChainDeterminism(t *testing.T) {
	t.Parallel()

	logs := []float32{0, 1, 2, 3, 4, 5, 4.5, 3.5}
	a := NewFromConfig(DefaultConfig())
	b := NewFromConfig(DefaultConfig())
	for i := range 20 {
		x, err := a.SampleLogits(logs)
		if err != nil {
			t.Fatalf("sample a: %v", err)
		}
		y, err := b.SampleLogits(logs)
		if err != nil {
			t.Fatalf("sample b: %v", err)
		}
		if x != y {
			t.Fatalf("step %d: expected deterministic sample, got %d vs %d", i, x, y)
		}
	}
}

func TestChainResetReplaysSequence(t *testing.T) {
	t.Parallel()

	logs := []float32{1, 1.2, 0.8, 1.1, 0.9}
	c := NewFromConfig(DefaultConfig())
	first := make([]int, 10)
	for i := range first {
		first[i], _ = c.SampleLogits(logs)
	}
	c.Reset()
	for i := range first {
		got, _ := c.SampleLogits(logs)
		if got != first[i] {
			t.Fatalf("step %d after reset: got %d want %d", i, got, first[i])
		}
	}
}

func TestGreedyWhenTemperatureZero(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Temperature = 0
	cfg.RepeatPenalty = 1
	c := NewFromConfig(cfg)
	tok, err := c.SampleLogits([]float32{-1, 5, 3, 7, 2})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if tok != 3 {
		t.Fatalf("expected greedy index 3, got %d", tok)
	}
}

// TestTopPDominant checks that a dominant candidate is the only survivor of
// top-p, so it is always drawn.
func TestTopPDominant(t *testing.T) {
	t.Parallel()

	logs := []float32{0, 0, 10, 0, 0}
	c := New(TopP(0.5, 1), Dist(7))
	for range 10 {
		tok, err := c.SampleLogits(logs)
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		if tok != 2 {
			t.Fatalf("top-p sampling returned unexpected index %d", tok)
		}
	}
}

func TestTopPMinKeep(t *testing.T) {
	t.Parallel()

	var cand Candidates
	cand.Reset([]float32{10, 0, 0, 0})
	TopP(0.5, 3).Apply(&cand)
	if cand.Len() != 3 {
		t.Fatalf("expected 3 candidates, got %d", cand.Len())
	}
}

func TestTopKKeepsHighestInOrder(t *testing.T) {
	t.Parallel()

	var cand Candidates
	cand.Reset([]float32{0.5, 3, 1, 3, -2, 2})
	TopK(3).Apply(&cand)
	want := []int{1, 3, 5}
	if cand.Len() != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), cand.Len())
	}
	for i, id := range want {
		if cand.IDs[i] != id {
			t.Fatalf("candidate %d: got id %d want %d (ids %v)", i, cand.IDs[i], id, cand.IDs)
		}
	}
	if !cand.Sorted {
		t.Fatalf("top-k output should be sorted")
	}
}

func TestTemperatureScalesLogits(t *testing.T) {
	t.Parallel()

	var cand Candidates
	cand.Reset([]float32{1, -2})
	Temperature(0.5).Apply(&cand)
	if cand.Logits[0] != 2 || cand.Logits[1] != -4 {
		t.Fatalf("unexpected scaled logits %v", cand.Logits)
	}
}

func TestPenaltiesDiscourageRepeats(t *testing.T) {
	t.Parallel()

	logs := []float32{2, 1.9, -1}
	c := New(Penalties(64, 1.3, 0, 0), Greedy())
	first, _ := c.SampleLogits(logs)
	second, _ := c.SampleLogits(logs)
	if first != 0 || second != 1 {
		t.Fatalf("expected 0 then 1, got %d then %d", first, second)
	}
}

func TestPenaltiesWindowExpires(t *testing.T) {
	t.Parallel()

	p := Penalties(1, 2, 0, 0)
	p.(Accepter).Accept(0)
	p.(Accepter).Accept(1)

	var cand Candidates
	cand.Reset([]float32{4, 4})
	p.Apply(&cand)
	if cand.Logits[0] != 4 || cand.Logits[1] != 2 {
		t.Fatalf("only the most recent token should be penalised, got %v", cand.Logits)
	}

	p.(Resetter).Reset()
	cand.Reset([]float32{4, 4})
	p.Apply(&cand)
	if cand.Logits[1] != 4 {
		t.Fatalf("reset should clear history, got %v", cand.Logits)
	}
}

func TestPenaltiesFrequencyAndPresence(t *testing.T) {
	t.Parallel()

	p := Penalties(8, 1, 0.5, 1)
	for _, tok := range []int{0, 0, 1} {
		p.(Accepter).Accept(tok)
	}
	var cand Candidates
	cand.Reset([]float32{0, 0, 0})
	p.Apply(&cand)
	want := []float32{-2, -1.5, 0}
	for i := range want {
		if cand.Logits[i] != want[i] {
			t.Fatalf("logit %d: got %v want %v", i, cand.Logits[i], want[i])
		}
	}
}

// TestDefaultChainStaysInTopK draws repeatedly from random rows and checks
// every draw is one of the 40 highest logits.
func TestDefaultChainStaysInTopK(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	c := NewFromConfig(DefaultConfig())
	logs := make([]float32, 300)
	for range 100 {
		for i := range logs {
			logs[i] = float32(rng.NormFloat64())
		}
		tok, err := c.SampleLogits(logs)
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		sorted := append([]float32(nil), logs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
		if logs[tok] < sorted[39] {
			t.Fatalf("token %d with logit %v is outside the top 40", tok, logs[tok])
		}
	}
}

func TestSampleFromSource(t *testing.T) {
	t.Parallel()

	c := New(Greedy())
	src := rowSource{rows: [][]float32{{1, 0}, {0, 1}}}
	tok, err := c.Sample(src, -1)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if tok != 1 {
		t.Fatalf("expected last row argmax 1, got %d", tok)
	}

	boom := errors.New("boom")
	if _, err := c.Sample(rowSource{err: boom}, 0); !errors.Is(err, ErrNoLogits) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped ErrNoLogits, got %v", err)
	}
	if _, err := c.SampleLogits(nil); !errors.Is(err, ErrNoLogits) {
		t.Fatalf("expected ErrNoLogits, got %v", err)
	}
}

func TestChainWithoutSelectorFails(t *testing.T) {
	t.Parallel()

	c := New(TopK(2))
	if _, err := c.SampleLogits([]float32{1, 2, 3}); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}
}

func TestDefaultChainOrder(t *testing.T) {
	t.Parallel()

	got := NewFromConfig(DefaultConfig()).String()
	if want := "top-k -> top-p -> temp -> penalties -> dist"; got != want {
		t.Fatalf("chain order = %q, want %q", got, want)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.TopP = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected top-p error")
	}
	bad = DefaultConfig()
	bad.Temperature = -1
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected temperature error")
	}
}
