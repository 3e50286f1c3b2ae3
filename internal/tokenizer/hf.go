package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

type hfTokenizerJSON struct {
	Model struct {
		Type     string         `json:"type"`
		Vocab    map[string]int `json:"vocab"`
		Merges   []any          `json:"merges"`
		UnkToken string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer struct {
		Type          string `json:"type"`
		Pretokenizers []struct {
			Type string `json:"type"`
		} `json:"pretokenizers"`
	} `json:"pre_tokenizer"`
	PostProcessor struct {
		Type       string `json:"type"`
		Processors []struct {
			Type          string `json:"type"`
			SpecialTokens map[string]struct {
				IDs []int `json:"ids"`
			} `json:"special_tokens"`
		} `json:"processors"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfTokenizerConfig struct {
	AddBOS bool   `json:"add_bos_token"`
	BOS    string `json:"bos_token"`
	EOS    string `json:"eos_token"`
}

// LoadHFConfig reads a Hugging Face tokenizer.json and an optional
// tokenizer_config.json.
func LoadHFConfig(tokJSON, tokConfig string) (Config, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return Config{}, err
	}
	var cfg []byte
	if tokConfig != "" {
		if raw, err := os.ReadFile(tokConfig); err == nil {
			cfg = raw
		}
	}
	return ParseHFConfigBytes(data, cfg)
}

// ParseHFConfigBytes converts tokenizer.json content into a Config. Only BPE
// models are supported.
func ParseHFConfigBytes(tokJSON, tokConfig []byte) (Config, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return Config{}, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return Config{}, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	maxID := -1
	for _, id := range tj.Model.Vocab {
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	tokens := make([]string, maxID+1)
	types := make([]TokenType, maxID+1)
	for i := range types {
		types[i] = TokenNormal
	}
	index := make(map[string]int, len(tokens))
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return Config{}, fmt.Errorf("negative token id %d for %q", id, tok)
		}
		tokens[id] = tok
		index[tok] = id
	}
	for _, at := range tj.AddedTokens {
		if at.ID < 0 {
			return Config{}, fmt.Errorf("negative token id %d for %q", at.ID, at.Content)
		}
		tokens[at.ID] = at.Content
		index[at.Content] = at.ID
		if at.Special {
			types[at.ID] = TokenControl
		} else {
			types[at.ID] = TokenUserDefined
		}
	}

	merges := make([]string, 0, len(tj.Model.Merges))
	for _, raw := range tj.Model.Merges {
		switch v := raw.(type) {
		case string:
			merges = append(merges, v)
		case []any:
			if len(v) == 2 {
				a, aok := v[0].(string)
				b, bok := v[1].(string)
				if aok && bok {
					merges = append(merges, a+" "+b)
				}
			}
		}
	}

	var tc hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &tc); err != nil {
			return Config{}, fmt.Errorf("parse tokenizer_config.json: %w", err)
		}
	}

	cfg := Config{
		Tokens: tokens,
		Types:  types,
		Merges: merges,
		Pre:    hfPre(tj),
		BOS:    -1,
		EOS:    -1,
		UNK:    -1,
		AddBOS: tc.AddBOS,
	}
	if id, ok := index[tc.BOS]; ok && tc.BOS != "" {
		cfg.BOS = id
	}
	if id, ok := index[tc.EOS]; ok && tc.EOS != "" {
		cfg.EOS = id
	}
	if id, ok := index[tj.Model.UnkToken]; ok && tj.Model.UnkToken != "" {
		cfg.UNK = id
	}
	// TemplateProcessing that injects a leading special overrides add_bos_token.
	for _, proc := range tj.PostProcessor.Processors {
		if proc.Type != "TemplateProcessing" {
			continue
		}
		for _, spec := range proc.SpecialTokens {
			if len(spec.IDs) > 0 {
				cfg.BOS = spec.IDs[0]
				cfg.AddBOS = true
				break
			}
		}
	}
	if cfg.BOS >= len(tokens) {
		return Config{}, fmt.Errorf("%w: bos %d", ErrInvalidToken, cfg.BOS)
	}
	return cfg, nil
}

func hfPre(tj hfTokenizerJSON) string {
	for _, p := range tj.PreTokenizer.Pretokenizers {
		if p.Type == "Split" {
			return "llama3"
		}
	}
	return "gpt2"
}
