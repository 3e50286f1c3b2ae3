package inference

import "errors"

var (
	// ErrTokenization means the prompt produced no usable tokens. No
	// decoding was attempted.
	ErrTokenization = errors.New("tokenization failed")
	// ErrPromptDecode means evaluating the prompt failed. No text was
	// generated.
	ErrPromptDecode = errors.New("decode failed")
	// ErrPromptTooLong means the prompt has more tokens than the context
	// accepts in one batch and chunking is off.
	ErrPromptTooLong = errors.New("prompt too long")
)
