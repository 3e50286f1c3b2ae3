package sampling

import (
	"math"
	"math/rand"
)

// Stage transforms the candidate set. Only selector stages set
// Candidates.Selected.
type Stage interface {
	Name() string
	Apply(c *Candidates)
}

// Accepter is implemented by stages that track emitted tokens.
type Accepter interface {
	Accept(token int)
}

// Resetter is implemented by stages with per-generation state.
type Resetter interface {
	Reset()
}

type topK struct{ k int }

// TopK keeps the k highest logits. k <= 0 disables it.
func TopK(k int) Stage { return &topK{k: k} }

func (s *topK) Name() string { return "top-k" }

func (s *topK) Apply(c *Candidates) {
	if s.k <= 0 || len(c.IDs) == 0 {
		return
	}
	k := min(s.k, len(c.IDs))
	if c.Sorted || k == len(c.IDs) {
		c.Sort()
		c.Truncate(k)
		return
	}

	// Insertion selection, O(V*K), fine for small k.
	ids := make([]int, 0, k+1)
	vals := make([]float32, 0, k+1)
	for i, v := range c.Logits {
		pos := len(vals)
		for pos > 0 && vals[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		ids = append(ids, 0)
		vals = append(vals, 0)
		copy(ids[pos+1:], ids[pos:])
		copy(vals[pos+1:], vals[pos:])
		ids[pos] = c.IDs[i]
		vals[pos] = v
		if len(vals) > k {
			ids = ids[:k]
			vals = vals[:k]
		}
	}
	copy(c.IDs, ids)
	copy(c.Logits, vals)
	c.Truncate(k)
	c.Sorted = true
}

type topP struct {
	p       float32
	minKeep int
}

// TopP keeps the smallest prefix whose cumulative probability reaches p,
// never fewer than minKeep candidates. p >= 1 disables it.
func TopP(p float32, minKeep int) Stage { return &topP{p: p, minKeep: minKeep} }

func (s *topP) Name() string { return "top-p" }

func (s *topP) Apply(c *Candidates) {
	if s.p >= 1 || len(c.IDs) == 0 {
		return
	}
	c.Softmax()
	var cum float32
	cut := len(c.IDs)
	for i, p := range c.Probs {
		cum += p
		if cum >= s.p && i+1 >= s.minKeep {
			cut = i + 1
			break
		}
	}
	c.Truncate(cut)
}

type temperature struct{ t float32 }

// Temperature scales logits by 1/t. t <= 0 keeps only the highest logit.
func Temperature(t float32) Stage { return &temperature{t: t} }

func (s *temperature) Name() string { return "temp" }

func (s *temperature) Apply(c *Candidates) {
	if len(c.IDs) == 0 {
		return
	}
	if s.t <= 0 {
		c.Sort()
		c.Truncate(1)
		return
	}
	inv := 1 / s.t
	for i := range c.Logits {
		c.Logits[i] *= inv
	}
}

type penalties struct {
	lastN   int
	repeat  float32
	freq    float32
	present float32
	history []int
	next    int
	filled  bool
	counts  map[int]int
}

// Penalties discourages tokens seen among the last lastN accepted tokens.
// Positive logits are divided by repeat and negative ones multiplied; then
// count*freq plus present (once seen) is subtracted.
func Penalties(lastN int, repeat, freq, present float32) Stage {
	p := &penalties{lastN: lastN, repeat: repeat, freq: freq, present: present}
	if lastN > 0 {
		p.history = make([]int, lastN)
		p.counts = make(map[int]int, lastN)
	}
	return p
}

func (s *penalties) Name() string { return "penalties" }

func (s *penalties) Apply(c *Candidates) {
	if s.lastN <= 0 || len(s.counts) == 0 {
		return
	}
	if s.repeat == 1 && s.freq == 0 && s.present == 0 {
		return
	}
	for i, id := range c.IDs {
		n := s.counts[id]
		if n == 0 {
			continue
		}
		if c.Logits[i] <= 0 {
			c.Logits[i] *= s.repeat
		} else {
			c.Logits[i] /= s.repeat
		}
		c.Logits[i] -= float32(n)*s.freq + s.present
	}
	c.Sorted = false
}

func (s *penalties) Accept(token int) {
	if s.lastN <= 0 {
		return
	}
	if s.filled {
		old := s.history[s.next]
		if s.counts[old]--; s.counts[old] <= 0 {
			delete(s.counts, old)
		}
	}
	s.history[s.next] = token
	s.counts[token]++
	s.next++
	if s.next == s.lastN {
		s.next = 0
		s.filled = true
	}
}

func (s *penalties) Reset() {
	s.next = 0
	s.filled = false
	clear(s.counts)
}

type dist struct {
	seed int64
	rng  *rand.Rand
}

// Dist draws one candidate from the softmax distribution using a seeded
// source, so equal seeds give equal draws.
func Dist(seed int64) Stage {
	return &dist{seed: seed, rng: rand.New(rand.NewSource(seed))}
}

func (s *dist) Name() string { return "dist" }

func (s *dist) Apply(c *Candidates) {
	if len(c.IDs) == 0 {
		return
	}
	c.Softmax()
	r := float32(s.rng.Float64())
	var cum float32
	for i, p := range c.Probs {
		cum += p
		if r < cum {
			c.Selected = i
			return
		}
	}
	c.Selected = len(c.IDs) - 1
}

func (s *dist) Reset() { s.rng = rand.New(rand.NewSource(s.seed)) }

type greedy struct{}

// Greedy selects the highest logit.
func Greedy() Stage { return greedy{} }

func (greedy) Name() string { return "greedy" }

func (greedy) Apply(c *Candidates) {
	if len(c.IDs) == 0 {
		return
	}
	best := 0
	bestV := float32(math.Inf(-1))
	for i, v := range c.Logits {
		if v > bestV {
			best, bestV = i, v
		}
	}
	c.Selected = best
}
