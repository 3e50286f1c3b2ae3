package model

import "github.com/samcharles93/wick/internal/tensor"

type attnContext struct {
	q, cacheK, cacheV []float32
	attnOut           []float32

	pos               int
	kvStride, headDim int
	nHead, kvHeads    int
	scale             float32
}

// runAttnHeads computes causal attention for heads [rs, re) over cache
// positions 0..pos. scoresBuf must hold at least pos+1 values.
func runAttnHeads(ctx *attnContext, scoresBuf []float32, rs, re int) {
	if ctx == nil || rs >= re {
		return
	}
	if ctx.pos+1 > len(scoresBuf) {
		panic("attention scores buffer too small")
	}
	scores := scoresBuf[:ctx.pos+1]
	for h := rs; h < re; h++ {
		kvHead := h * ctx.kvHeads / ctx.nHead
		qh := ctx.q[h*ctx.headDim : (h+1)*ctx.headDim]
		for t := 0; t <= ctx.pos; t++ {
			koff := t*ctx.kvStride + kvHead*ctx.headDim
			scores[t] = tensor.Dot(qh, ctx.cacheK[koff:koff+ctx.headDim]) * ctx.scale
		}
		tensor.Softmax(scores)
		out := ctx.attnOut[h*ctx.headDim : (h+1)*ctx.headDim]
		for d := range ctx.headDim {
			var sum float32
			for t := 0; t <= ctx.pos; t++ {
				sum += scores[t] * ctx.cacheV[t*ctx.kvStride+kvHead*ctx.headDim+d]
			}
			out[d] = sum
		}
	}
}
