package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRespectsCapacity(t *testing.T) {
	t.Parallel()

	b, err := New(2, 1)
	require.NoError(t, err)
	require.NoError(t, b.Add(5, 0, []int{0}, false))
	require.NoError(t, b.Add(6, 1, []int{0}, true))
	assert.ErrorIs(t, b.Add(7, 2, []int{0}, true), ErrBatchFull)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 2, b.Cap())
	assert.Equal(t, 1, b.OutputCount())

	b.Clear()
	assert.Zero(t, b.Len())
	assert.Equal(t, 2, b.Cap())
	require.NoError(t, b.Add(9, 2, []int{0}, true))
	assert.Equal(t, Entry{Token: 9, Pos: 2, SeqIDs: []int{0}, Logits: true}, b.Entry(0))
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	t.Parallel()

	_, err := New(0, 1)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestAddCopiesSeqIDs(t *testing.T) {
	t.Parallel()

	b, err := New(2, 2)
	require.NoError(t, err)
	seqs := []int{0, 1}
	require.NoError(t, b.Add(1, 0, seqs, false))
	seqs[0] = 7
	assert.Equal(t, []int{0, 1}, b.Entry(0).SeqIDs)
	assert.ErrorIs(t, b.Add(1, 0, []int{0, 1, 2}, false), ErrTooManySeqs)
	assert.Equal(t, 1, b.Len())
}

func TestAddChecksCapacityBeforeSeqCount(t *testing.T) {
	t.Parallel()

	b, err := New(1, 2)
	require.NoError(t, err)
	require.NoError(t, b.Add(1, 0, []int{0}, false))

	err = b.Add(2, 1, []int{0, 1, 2}, false)
	assert.ErrorIs(t, err, ErrBatchFull)
	assert.NotErrorIs(t, err, ErrTooManySeqs)
	assert.Equal(t, 1, b.Len())
}

func TestSetOutput(t *testing.T) {
	t.Parallel()

	b, err := New(3, 1)
	require.NoError(t, err)
	for i := range 3 {
		require.NoError(t, b.Add(i, i, []int{0}, false))
	}
	require.NoError(t, b.SetOutput(2, true))
	assert.Equal(t, 1, b.OutputCount())
	assert.True(t, b.Entries()[2].Logits)
	assert.ErrorIs(t, b.SetOutput(3, true), ErrIndexOutOfRange)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	b, err := New(3, 1)
	require.NoError(t, err)
	for i := range 3 {
		require.NoError(t, b.Add(i, i, []int{0}, false))
	}
	next, err := b.Validate(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, next[0])

	b.Clear()
	require.NoError(t, b.Add(1, 4, []int{0}, true))
	_, err = b.Validate(next)
	assert.ErrorIs(t, err, ErrPositionGap)
	assert.Equal(t, 3, next[0], "input cursor is not modified")
}

func TestValidateAllowsRewind(t *testing.T) {
	t.Parallel()

	b, err := New(2, 1)
	require.NoError(t, err)
	require.NoError(t, b.Add(1, 0, []int{0}, false))
	require.NoError(t, b.Add(2, 1, []int{0}, true))
	next, err := b.Validate(map[int]int{0: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, next[0])

	b.Clear()
	require.NoError(t, b.Add(1, 0, []int{0}, false))
	require.NoError(t, b.Add(2, 0, []int{0}, true))
	_, err = b.Validate(nil)
	assert.ErrorIs(t, err, ErrPositionGap, "repeated position inside one batch")
}
