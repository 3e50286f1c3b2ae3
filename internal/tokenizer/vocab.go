package tokenizer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jellydator/ttlcache/v3"
)

// bpeCacheSize bounds the per-vocabulary merge cache. Least recently used
// words are evicted first.
const bpeCacheSize = 8192

var (
	ErrInvalidToken   = errors.New("token id out of range")
	ErrUnknownSymbol  = errors.New("symbol not in vocabulary")
	ErrBufferTooSmall = errors.New("piece buffer too small")
)

// Pair is an adjacent pair of BPE symbols.
type Pair struct {
	A string
	B string
}

// Vocab is an immutable byte-level BPE vocabulary. It is safe for concurrent
// use; the merge cache is bounded and synchronised.
type Vocab struct {
	tokens  []string
	types   []TokenType
	pieces  [][]byte
	encoder map[string]int
	ranks   map[Pair]int
	byteEnc map[byte]string
	pattern *regexp.Regexp
	special []string
	bos     int
	eos     int
	unk     int
	addBOS  bool
	eog     map[int]struct{}

	cache *ttlcache.Cache[string, []string]
}

// NewVocab builds a vocabulary from cfg.
func NewVocab(cfg Config) (*Vocab, error) {
	if len(cfg.Tokens) == 0 {
		return nil, errors.New("empty token list")
	}
	if len(cfg.Types) != 0 && len(cfg.Types) != len(cfg.Tokens) {
		return nil, fmt.Errorf("token types: have %d, want %d", len(cfg.Types), len(cfg.Tokens))
	}
	n := len(cfg.Tokens)
	for _, id := range []int{cfg.BOS, cfg.EOS, cfg.UNK} {
		if id >= n {
			return nil, fmt.Errorf("%w: special id %d", ErrInvalidToken, id)
		}
	}

	types := cfg.Types
	if len(types) == 0 {
		types = make([]TokenType, n)
		for i, t := range cfg.Tokens {
			types[i] = TokenNormal
			if isSpecialToken(t) {
				types[i] = TokenControl
			}
		}
	}

	byteEnc, byteDec := bytesToUnicode()
	encoder := make(map[string]int, n)
	pieces := make([][]byte, n)
	for i, t := range cfg.Tokens {
		if _, dup := encoder[t]; !dup {
			encoder[t] = i
		}
		if types[i] == TokenControl || types[i] == TokenUserDefined {
			pieces[i] = []byte(t)
			continue
		}
		var b []byte
		for _, r := range t {
			if by, ok := byteDec[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
		pieces[i] = b
	}

	ranks := make(map[Pair]int, len(cfg.Merges))
	for _, line := range cfg.Merges {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		p := Pair{A: a, B: b}
		if _, ok := ranks[p]; !ok {
			ranks[p] = len(ranks)
		}
	}

	eog := make(map[int]struct{})
	if cfg.EOS >= 0 {
		eog[cfg.EOS] = struct{}{}
	}
	for _, id := range cfg.EOG {
		if id < 0 || id >= n {
			return nil, fmt.Errorf("%w: eog id %d", ErrInvalidToken, id)
		}
		eog[id] = struct{}{}
	}
	var special []string
	for i, t := range cfg.Tokens {
		if types[i] != TokenControl && types[i] != TokenUserDefined {
			continue
		}
		special = append(special, t)
		if isEOGName(t) {
			eog[i] = struct{}{}
		}
	}
	// longest match first
	for i := 1; i < len(special); i++ {
		for j := i; j > 0 && len(special[j]) > len(special[j-1]); j-- {
			special[j], special[j-1] = special[j-1], special[j]
		}
	}

	return &Vocab{
		tokens:  cfg.Tokens,
		types:   types,
		pieces:  pieces,
		encoder: encoder,
		ranks:   ranks,
		byteEnc: byteEnc,
		pattern: pretokenizer(cfg.Pre),
		special: special,
		bos:     cfg.BOS,
		eos:     cfg.EOS,
		unk:     cfg.UNK,
		addBOS:  cfg.AddBOS,
		eog:     eog,
		cache: ttlcache.New[string, []string](
			ttlcache.WithCapacity[string, []string](bpeCacheSize),
		),
	}, nil
}

// Go regexp has no lookahead, so the trailing whitespace branch collapses to \s+.
func pretokenizer(pre string) *regexp.Regexp {
	switch pre {
	case "llama3", "llama-bpe", "lfm2":
		return regexp.MustCompile(`(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`)
	default:
		return regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)
	}
}

func (v *Vocab) NTokens() int { return len(v.tokens) }
func (v *Vocab) BOS() int     { return v.bos }
func (v *Vocab) EOS() int     { return v.eos }
func (v *Vocab) AddBOS() bool { return v.addBOS }

// TokenString returns the raw vocabulary entry for id.
func (v *Vocab) TokenString(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return ""
	}
	return v.tokens[id]
}

// IsEOG reports whether id ends generation.
func (v *Vocab) IsEOG(id int) bool {
	_, ok := v.eog[id]
	return ok
}

// Tokenize converts text to token ids. addSpecial prepends BOS when the
// vocabulary asks for it; parseSpecial matches control-token text literally.
func (v *Vocab) Tokenize(text string, addSpecial, parseSpecial bool) ([]int, error) {
	var ids []int
	if addSpecial && v.addBOS && v.bos >= 0 {
		ids = append(ids, v.bos)
	}
	parts := []textPart{{text: text}}
	if parseSpecial {
		parts = splitSpecials(text, v.special)
	}
	for _, part := range parts {
		if part.isSpecial {
			ids = append(ids, v.encoder[part.text])
			continue
		}
		for _, word := range v.pattern.FindAllString(part.text, -1) {
			for _, sym := range v.bpe(v.byteEncode(word)) {
				id, ok := v.encoder[sym]
				if !ok {
					if v.unk >= 0 {
						ids = append(ids, v.unk)
						continue
					}
					return nil, fmt.Errorf("%w: %q", ErrUnknownSymbol, sym)
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// TokenToPiece writes the bytes for id into buf and returns how many were
// written. Control tokens render as their text only when special is set.
// The piece may be an incomplete UTF-8 sequence.
func (v *Vocab) TokenToPiece(id int, buf []byte, special bool) (int, error) {
	if id < 0 || id >= len(v.pieces) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidToken, id)
	}
	if v.types[id] == TokenControl && !special {
		return 0, nil
	}
	p := v.pieces[id]
	if len(p) > len(buf) {
		return 0, fmt.Errorf("%w: need %d bytes", ErrBufferTooSmall, len(p))
	}
	return copy(buf, p), nil
}

func (v *Vocab) byteEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		b.WriteString(v.byteEnc[s[i]])
	}
	return b.String()
}

func (v *Vocab) bpe(token string) []string {
	if item := v.cache.Get(token); item != nil {
		return item.Value()
	}

	word := splitRunes(token)
	for len(word) > 1 {
		best, bestRank := -1, int(^uint(0)>>1)
		for i := 0; i+1 < len(word); i++ {
			if rank, ok := v.ranks[Pair{A: word[i], B: word[i+1]}]; ok && rank < bestRank {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		word = mergePair(word, Pair{A: word[best], B: word[best+1]})
	}

	v.cache.Set(token, word, ttlcache.DefaultTTL)
	return word
}

// TokenizeInto tokenizes into dst. When dst is too small nothing usable is
// written and the negated required length is returned.
func (v *Vocab) TokenizeInto(dst []int, text string, addSpecial, parseSpecial bool) (int, error) {
	ids, err := v.Tokenize(text, addSpecial, parseSpecial)
	if err != nil {
		return 0, err
	}
	if len(ids) > len(dst) {
		return -len(ids), nil
	}
	return copy(dst, ids), nil
}
