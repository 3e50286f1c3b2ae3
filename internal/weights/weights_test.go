package weights

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMeta() Metadata {
	return Metadata{
		Arch: "wick",
		Name: "tiny",
		Model: ModelConfig{
			VocabSize: 3,
			Dim:       2,
			Layers:    1,
			Heads:     1,
			FFN:       4,
			MaxPos:    16,
			RopeTheta: 10000,
			NormEps:   1e-5,
		},
		Tokenizer: TokenizerData{
			Tokens: []string{"a", "b", "<|endoftext|>"},
			BOS:    -1,
			EOS:    2,
			UNK:    -1,
		},
	}
}

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()

	tensors := []Tensor{
		{Name: "token_embd", DType: DTypeF32, Shape: []int{3, 2}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "output_norm", DType: DTypeF16, Shape: []int{2}, Data: []float32{0.5, -1.25}},
	}
	path := filepath.Join(t.TempDir(), "tiny.wick")
	require.NoError(t, Create(path, sampleMeta(), tensors))

	f, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	assert.Equal(t, "tiny", f.Meta.Name)
	assert.Equal(t, 2, f.Meta.Model.Dim)
	assert.Equal(t, []string{"a", "b", "<|endoftext|>"}, f.Meta.Tokenizer.Tokens)
	require.Len(t, f.Meta.Tensors, 2)

	info, raw, err := f.Tensor("token_embd")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, info.Shape)
	assert.Len(t, raw, 24)
	assert.Zero(t, info.Offset%align)

	info, raw, err = f.Tensor("output_norm")
	require.NoError(t, err)
	assert.Equal(t, DTypeF16, info.DType)
	assert.Len(t, raw, 4)
	assert.Zero(t, info.Offset%align)
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleMeta(), nil))
	f, err := OpenBytes(buf.Bytes())
	require.NoError(t, err)

	_, _, err = f.Tensor("missing")
	assert.True(t, errors.Is(err, ErrTensorNotFound))
}

func TestOpenRejectsBadMagic(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleMeta(), nil))
	data := buf.Bytes()
	data[0] = 'X'
	_, err := OpenBytes(data)
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestOpenRejectsTruncatedTensor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tensors := []Tensor{{Name: "w", DType: DTypeF32, Shape: []int{8}, Data: make([]float32, 8)}}
	require.NoError(t, Write(&buf, sampleMeta(), tensors))
	data := buf.Bytes()
	_, err := OpenBytes(data[:len(data)-4])
	assert.ErrorIs(t, err, ErrCorruptFile)
}

func TestWriteRejectsShapeMismatch(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tensors := []Tensor{{Name: "w", DType: DTypeF32, Shape: []int{2, 2}, Data: make([]float32, 3)}}
	assert.Error(t, Write(&buf, sampleMeta(), tensors))
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "nope.wick"))
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleMeta(), nil))
	f, err := OpenBytes(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}
