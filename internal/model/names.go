package model

import "fmt"

const (
	nameEmbedding  = "token_embd"
	nameOutputNorm = "output_norm"
	nameOutput     = "output"
)

func layerName(i int, suffix string) string {
	return fmt.Sprintf("blk.%d.%s", i, suffix)
}

const (
	suffixAttnNorm = "attn_norm"
	suffixQ        = "attn_q"
	suffixK        = "attn_k"
	suffixV        = "attn_v"
	suffixO        = "attn_output"
	suffixFFNNorm  = "ffn_norm"
	suffixGate     = "ffn_gate"
	suffixUp       = "ffn_up"
	suffixDown     = "ffn_down"
)
