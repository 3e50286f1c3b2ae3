package weights

import (
	"encoding/binary"
	"fmt"
)

const (
	magic         = "WICK"
	formatVersion = 1
	headerSize    = 16
	align         = 32
)

// DType is the element encoding of a stored tensor.
type DType uint8

const (
	DTypeF32 DType = 0
	DTypeF16 DType = 1
)

// ElemSize returns the byte width of one element.
func (d DType) ElemSize() (int, bool) {
	switch d {
	case DTypeF32:
		return 4, true
	case DTypeF16:
		return 2, true
	default:
		return 0, false
	}
}

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ParseDType maps a user-facing name to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32", "F32", "":
		return DTypeF32, nil
	case "f16", "F16":
		return DTypeF16, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q (want f32 or f16)", s)
	}
}

// Metadata is the JSON document stored after the fixed header.
type Metadata struct {
	Arch      string        `json:"arch"`
	Name      string        `json:"name,omitempty"`
	Model     ModelConfig   `json:"model"`
	Tokenizer TokenizerData `json:"tokenizer"`
	Tensors   []TensorInfo  `json:"tensors"`
}

// ModelConfig describes the decoder shape.
type ModelConfig struct {
	VocabSize int     `json:"vocab_size"`
	Dim       int     `json:"dim"`
	Layers    int     `json:"layers"`
	Heads     int     `json:"heads"`
	KVHeads   int     `json:"kv_heads,omitempty"`
	FFN       int     `json:"ffn"`
	MaxPos    int     `json:"max_position"`
	RopeTheta float64 `json:"rope_theta"`
	NormEps   float64 `json:"norm_eps"`
}

// TokenizerData is the serialised vocabulary.
type TokenizerData struct {
	Tokens []string `json:"tokens"`
	Types  []int32  `json:"token_types,omitempty"`
	Merges []string `json:"merges,omitempty"`
	Pre    string   `json:"pre,omitempty"`
	BOS    int      `json:"bos_id"`
	EOS    int      `json:"eos_id"`
	UNK    int      `json:"unk_id"`
	AddBOS bool     `json:"add_bos"`
	EOG    []int    `json:"eog_ids,omitempty"`
}

// TensorInfo locates one tensor inside the data section.
// Offset is relative to the start of the data section.
type TensorInfo struct {
	Name   string `json:"name"`
	DType  DType  `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

// Elements returns the element count implied by Shape.
func (t TensorInfo) Elements() (int, error) {
	if len(t.Shape) == 0 {
		return 0, fmt.Errorf("tensor %s: empty shape", t.Name)
	}
	maxInt := int(^uint(0) >> 1)
	n := 1
	for _, d := range t.Shape {
		if d <= 0 {
			return 0, fmt.Errorf("tensor %s: invalid dim %d", t.Name, d)
		}
		if n > maxInt/d {
			return 0, fmt.Errorf("tensor %s: too large", t.Name)
		}
		n *= d
	}
	return n, nil
}

type header struct {
	Magic   [4]byte
	Version uint32
	MetaLen uint64
}

func encodeHeader(h header) []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint64(b[8:16], h.MetaLen)
	return b
}

func decodeHeader(b []byte) (header, bool) {
	if len(b) < headerSize {
		return header{}, false
	}
	var h header
	copy(h.Magic[:], b[0:4])
	h.Version = binary.LittleEndian.Uint32(b[4:8])
	h.MetaLen = binary.LittleEndian.Uint64(b[8:16])
	return h, true
}

func alignUp(n uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
