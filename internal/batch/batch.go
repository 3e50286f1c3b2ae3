// Package batch holds the token batches submitted to a decode step.
package batch

import (
	"errors"
	"fmt"
)

var (
	ErrBatchFull       = errors.New("batch is full")
	ErrInvalidCapacity = errors.New("batch capacity must be positive")
	ErrTooManySeqs     = errors.New("too many sequence ids")
	ErrIndexOutOfRange = errors.New("batch index out of range")
	ErrPositionGap     = errors.New("positions must increase by one within a sequence")
)

// Entry is one token scheduled for decoding.
type Entry struct {
	Token  int
	Pos    int
	SeqIDs []int
	Logits bool
}

// Batch is a fixed-capacity list of entries. It never grows; Clear resets
// the count and keeps the storage.
type Batch struct {
	entries []Entry
	seqBuf  []int
	n       int
	nSeqMax int
}

// New allocates a batch able to hold capacity entries, each belonging to at
// most nSeqMax sequences.
func New(capacity, nSeqMax int) (*Batch, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if nSeqMax <= 0 {
		nSeqMax = 1
	}
	return &Batch{
		entries: make([]Entry, capacity),
		seqBuf:  make([]int, capacity*nSeqMax),
		nSeqMax: nSeqMax,
	}, nil
}

func (b *Batch) Len() int { return b.n }
func (b *Batch) Cap() int { return len(b.entries) }

// Clear drops all entries.
func (b *Batch) Clear() { b.n = 0 }

// Add appends one entry. seqIDs is copied.
func (b *Batch) Add(token, pos int, seqIDs []int, wantOutput bool) error {
	if b.n >= len(b.entries) {
		return ErrBatchFull
	}
	if len(seqIDs) > b.nSeqMax {
		return fmt.Errorf("%w: %d > %d", ErrTooManySeqs, len(seqIDs), b.nSeqMax)
	}
	seqs := b.seqBuf[b.n*b.nSeqMax : b.n*b.nSeqMax+len(seqIDs)]
	copy(seqs, seqIDs)
	b.entries[b.n] = Entry{Token: token, Pos: pos, SeqIDs: seqs, Logits: wantOutput}
	b.n++
	return nil
}

// SetOutput changes the output flag of entry i.
func (b *Batch) SetOutput(i int, want bool) error {
	if i < 0 || i >= b.n {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	b.entries[i].Logits = want
	return nil
}

// Entry returns entry i. The SeqIDs slice aliases batch storage.
func (b *Batch) Entry(i int) Entry {
	return b.entries[i]
}

// Entries returns the live entries.
func (b *Batch) Entries() []Entry {
	return b.entries[:b.n]
}

// OutputCount is the number of entries flagged for output.
func (b *Batch) OutputCount() int {
	n := 0
	for _, e := range b.entries[:b.n] {
		if e.Logits {
			n++
		}
	}
	return n
}

// Validate checks the positions of the batch against next, the expected
// next position per sequence (a missing sequence starts at zero). The first
// entry of a sequence may rewind to an earlier position, which discards the
// cache from there on; it may never skip ahead. Later entries must follow
// their predecessor by exactly one. The returned map holds the cursor per
// sequence after the batch; next is not modified.
func (b *Batch) Validate(next map[int]int) (map[int]int, error) {
	out := make(map[int]int, len(next))
	for k, v := range next {
		out[k] = v
	}
	seen := make(map[int]bool)
	for i, e := range b.entries[:b.n] {
		for _, s := range e.SeqIDs {
			want := out[s]
			if e.Pos < 0 || e.Pos > want || (seen[s] && e.Pos != want) {
				return nil, fmt.Errorf("%w: entry %d seq %d pos %d, want %d", ErrPositionGap, i, s, e.Pos, want)
			}
			seen[s] = true
			out[s] = e.Pos + 1
		}
	}
	return out, nil
}
