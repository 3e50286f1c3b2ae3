package weights

import "errors"

var (
	ErrInvalidMagic       = errors.New("invalid wick magic")
	ErrUnsupportedVersion = errors.New("unsupported wick version")
	ErrCorruptFile        = errors.New("corrupt wick file")
	ErrTensorNotFound     = errors.New("wick: tensor not found")
)
