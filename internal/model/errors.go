package model

import "errors"

var (
	ErrInvalidConfig   = errors.New("invalid model config")
	ErrEmptyBatch      = errors.New("empty batch")
	ErrBatchTooLarge   = errors.New("batch exceeds context batch size")
	ErrContextFull     = errors.New("position exceeds context size")
	ErrInvalidToken    = errors.New("token id out of range")
	ErrInvalidSeq      = errors.New("sequence id out of range")
	ErrInvalidPosition = errors.New("invalid position")
	ErrNoOutput        = errors.New("no logits for requested output")
	ErrClosed          = errors.New("closed")
	ErrContextAlloc    = errors.New("context allocation failed")
)
