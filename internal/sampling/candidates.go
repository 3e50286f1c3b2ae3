package sampling

import (
	"math"
	"sort"
)

// Candidates is the working set a sampler chain narrows down. IDs, Logits
// and Probs are parallel slices. Probs is only meaningful after Softmax.
type Candidates struct {
	IDs      []int
	Logits   []float32
	Probs    []float32
	Sorted   bool
	Selected int
}

// Reset loads a fresh distribution, one candidate per vocabulary entry.
func (c *Candidates) Reset(logits []float32) {
	n := len(logits)
	if cap(c.IDs) < n {
		c.IDs = make([]int, n)
		c.Logits = make([]float32, n)
		c.Probs = make([]float32, n)
	}
	c.IDs = c.IDs[:n]
	c.Logits = c.Logits[:n]
	c.Probs = c.Probs[:n]
	for i := range n {
		c.IDs[i] = i
		c.Probs[i] = 0
	}
	copy(c.Logits, logits)
	c.Sorted = false
	c.Selected = -1
}

func (c *Candidates) Len() int { return len(c.IDs) }

// Truncate keeps the first n candidates.
func (c *Candidates) Truncate(n int) {
	if n < 0 || n >= len(c.IDs) {
		return
	}
	c.IDs = c.IDs[:n]
	c.Logits = c.Logits[:n]
	c.Probs = c.Probs[:n]
}

// Sort orders candidates by descending logit. Equal logits keep id order.
func (c *Candidates) Sort() {
	if c.Sorted {
		return
	}
	sort.Stable(byLogit{c})
	c.Sorted = true
}

// Softmax sorts the candidates and fills Probs.
func (c *Candidates) Softmax() {
	if len(c.IDs) == 0 {
		return
	}
	c.Sort()
	maxv := c.Logits[0]
	var sum float64
	for i, l := range c.Logits {
		e := math.Exp(float64(l - maxv))
		c.Probs[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		return
	}
	inv := 1 / sum
	for i := range c.Probs {
		c.Probs[i] = float32(float64(c.Probs[i]) * inv)
	}
}

type byLogit struct{ c *Candidates }

func (b byLogit) Len() int           { return len(b.c.IDs) }
func (b byLogit) Less(i, j int) bool { return b.c.Logits[i] > b.c.Logits[j] }
func (b byLogit) Swap(i, j int) {
	b.c.IDs[i], b.c.IDs[j] = b.c.IDs[j], b.c.IDs[i]
	b.c.Logits[i], b.c.Logits[j] = b.c.Logits[j], b.c.Logits[i]
	b.c.Probs[i], b.c.Probs[j] = b.c.Probs[j], b.c.Probs[i]
}
