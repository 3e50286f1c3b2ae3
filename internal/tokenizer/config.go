package tokenizer

import (
	"strings"

	"github.com/samcharles93/wick/internal/weights"
)

// TokenType classifies vocabulary entries. Values follow the GGUF convention.
type TokenType int32

const (
	TokenNormal      TokenType = 1
	TokenUnknown     TokenType = 2
	TokenControl     TokenType = 3
	TokenUserDefined TokenType = 4
	TokenByte        TokenType = 6
)

// Config is everything needed to build a Vocab.
type Config struct {
	Tokens []string
	Types  []TokenType
	Merges []string
	Pre    string
	BOS    int
	EOS    int
	UNK    int
	AddBOS bool
	EOG    []int
}

// ConfigFromMetadata converts the serialised form stored in a wick file.
func ConfigFromMetadata(d weights.TokenizerData) Config {
	types := make([]TokenType, len(d.Types))
	for i, t := range d.Types {
		types[i] = TokenType(t)
	}
	return Config{
		Tokens: d.Tokens,
		Types:  types,
		Merges: d.Merges,
		Pre:    d.Pre,
		BOS:    d.BOS,
		EOS:    d.EOS,
		UNK:    d.UNK,
		AddBOS: d.AddBOS,
		EOG:    d.EOG,
	}
}

// Metadata converts c into the serialised form.
func (c Config) Metadata() weights.TokenizerData {
	types := make([]int32, len(c.Types))
	for i, t := range c.Types {
		types[i] = int32(t)
	}
	return weights.TokenizerData{
		Tokens: c.Tokens,
		Types:  types,
		Merges: c.Merges,
		Pre:    c.Pre,
		BOS:    c.BOS,
		EOS:    c.EOS,
		UNK:    c.UNK,
		AddBOS: c.AddBOS,
		EOG:    c.EOG,
	}
}

// Names that mark end of generation regardless of the configured EOS.
var eogNames = map[string]struct{}{
	"<|endoftext|>":   {},
	"<|end_of_text|>": {},
	"<|im_end|>":      {},
	"<|eot_id|>":      {},
	"<|end|>":         {},
	"</s>":            {},
}

func isEOGName(s string) bool {
	_, ok := eogNames[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

const (
	DefaultBOS = "<|startoftext|>"
	DefaultEOS = "<|endoftext|>"
)

// ByteLevelConfig builds a vocabulary that covers every byte, adds one
// token per merge rule, and appends the given control tokens. The first two
// specials become BOS and EOS when present.
func ByteLevelConfig(merges []string, specials ...string) Config {
	enc, _ := bytesToUnicode()
	tokens := make([]string, 0, 256+len(merges)+len(specials))
	types := make([]TokenType, 0, cap(tokens))
	seen := make(map[string]struct{}, cap(tokens))
	for b := 0; b < 256; b++ {
		tokens = append(tokens, enc[byte(b)])
		types = append(types, TokenNormal)
		seen[enc[byte(b)]] = struct{}{}
	}
	for _, m := range merges {
		a, b, ok := strings.Cut(strings.TrimSpace(m), " ")
		if !ok {
			continue
		}
		if _, dup := seen[a+b]; dup {
			continue
		}
		seen[a+b] = struct{}{}
		tokens = append(tokens, a+b)
		types = append(types, TokenNormal)
	}
	cfg := Config{Merges: merges, BOS: -1, EOS: -1, UNK: -1}
	for i, sp := range specials {
		id := len(tokens)
		tokens = append(tokens, sp)
		types = append(types, TokenControl)
		switch i {
		case 0:
			cfg.BOS = id
			cfg.AddBOS = true
		case 1:
			cfg.EOS = id
		}
	}
	cfg.Tokens = tokens
	cfg.Types = types
	return cfg
}
