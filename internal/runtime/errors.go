package runtime

import (
	"errors"

	"github.com/samcharles93/wick/internal/handle"
	"github.com/samcharles93/wick/internal/inference"
)

var (
	ErrLoadFailure     = errors.New("model load failed")
	ErrContextCreation = errors.New("context creation failed")
	ErrNullHandle      = handle.ErrNull
	ErrModelMismatch   = errors.New("context belongs to a different model")
	ErrClosed          = errors.New("manager closed")
)

// Sentinel strings returned by Manager.Generate.
const (
	SentinelTokenization = "Error: tokenization failed"
	SentinelDecode       = "Error: decode failed"
	SentinelHandle       = "Error: invalid handle"
	SentinelPromptLength = "Error: prompt too long"
)

// Sentinel maps a generation error to its boundary string.
func Sentinel(err error) string {
	switch {
	case errors.Is(err, inference.ErrTokenization):
		return SentinelTokenization
	case errors.Is(err, inference.ErrPromptTooLong):
		return SentinelPromptLength
	case errors.Is(err, inference.ErrPromptDecode):
		return SentinelDecode
	default:
		return SentinelHandle
	}
}
