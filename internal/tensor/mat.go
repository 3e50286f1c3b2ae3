package tensor

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand"

	"github.com/x448/float16"

	"github.com/samcharles93/wick/internal/weights"
)

// Mat represents a dense row-major matrix of float32 values.
//
// For f32 weights Data is populated. For f16 weights Raw holds the encoded
// bytes (typically a view into a memory-mapped file) and rows are decoded
// inline by MatVec and RowTo.
type Mat struct {
	R, C  int
	DType weights.DType
	Data  []float32
	Raw   []byte
}

var (
	errNegativeDim     = errors.New("negative dimension for matrix")
	errUnsupported     = errors.New("unsupported dtype for raw matrix")
	errRawSizeMismatch = errors.New("raw data length mismatch")
)

// NewMat allocates a zeroed f32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic(errNegativeDim)
	}
	return Mat{R: r, C: c, DType: weights.DTypeF32, Data: make([]float32, r*c)}
}

// NewMatFromRaw creates a matrix backed by raw little-endian bytes.
// f32 payloads are decoded eagerly; f16 payloads are kept as a view.
func NewMatFromRaw(r, c int, dtype weights.DType, raw []byte) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	elem, ok := dtype.ElemSize()
	if !ok {
		return Mat{}, errUnsupported
	}
	if len(raw) != r*c*elem {
		return Mat{}, errRawSizeMismatch
	}
	switch dtype {
	case weights.DTypeF32:
		data := make([]float32, r*c)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return Mat{R: r, C: c, DType: dtype, Data: data}, nil
	case weights.DTypeF16:
		return Mat{R: r, C: c, DType: dtype, Raw: raw}, nil
	default:
		return Mat{}, errUnsupported
	}
}

// Bytes returns the resident size of the matrix payload.
func (m *Mat) Bytes() int {
	if m.Raw != nil {
		return len(m.Raw)
	}
	return len(m.Data) * 4
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	if m.Raw == nil {
		copy(dst[:m.C], m.Data[i*m.C:(i+1)*m.C])
		return
	}
	off := i * m.C * 2
	for j := 0; j < m.C; j++ {
		dst[j] = f16At(m.Raw, off+j*2)
	}
}

// Vec returns the matrix payload as a flat f32 slice, decoding if necessary.
func (m *Mat) Vec() []float32 {
	if m.Raw == nil {
		return m.Data
	}
	out := make([]float32, m.R*m.C)
	for i := range out {
		out[i] = f16At(m.Raw, i*2)
	}
	return out
}

// FillRand fills an f32 matrix with reproducible values in roughly
// (-scale/2, scale/2).
func FillRand(m *Mat, seed int64, scale float32) {
	if m.Raw != nil {
		panic("FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * scale
	}
}

func f16At(raw []byte, off int) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(raw[off:])).Float32()
}
