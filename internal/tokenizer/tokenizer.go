package tokenizer

import (
	"errors"
	"fmt"
)

// ErrTokenization is returned when text cannot be turned into a non-empty
// token sequence.
var ErrTokenization = errors.New("tokenization failed")

const (
	tokenSlack = 16
	pieceBuf   = 256
)

// Tokenize converts a prompt into ids with special tokens added and parsed.
// The token budget is len(text)+16; overflowing it fails rather than
// truncating.
func Tokenize(v *Vocab, text string) ([]int, error) {
	buf := make([]int, len(text)+tokenSlack)
	n, err := v.TokenizeInto(buf, text, true, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenization, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: need %d tokens, budget %d", ErrTokenization, -n, len(buf))
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty result", ErrTokenization)
	}
	return buf[:n], nil
}

// Detokenize renders one token, special tokens included. The result can be
// a fragment of a multi-byte character.
func Detokenize(v *Vocab, id int) (string, error) {
	var buf [pieceBuf]byte
	n, err := v.TokenToPiece(id, buf[:], true)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// Encode and Piece let a Vocab serve directly as the generator's tokenizer.

func (v *Vocab) Encode(text string) ([]int, error) { return Tokenize(v, text) }

func (v *Vocab) Piece(id int) (string, error) { return Detokenize(v, id) }
