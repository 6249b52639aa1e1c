package rerank

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

func rows(t *testing.T, tensor *tensors.Tensor) [][]int64 {
	t.Helper()
	dims := tensor.Shape().Dimensions
	require.Len(t, dims, 2)
	flat := tensors.MustCopyFlatData[int64](tensor)
	out := make([][]int64, dims[0])
	for i := range out {
		out[i] = flat[i*dims[1] : (i+1)*dims[1]]
	}
	return out
}

func TestEncodeBatch(t *testing.T) {
	e := &Encoder{Tokenizer: &wordsTokenizer{}, PadID: 0}
	inputs := e.EncodeBatch([]string{"alpha beta gamma", "alpha", "beta gamma"})
	require.Len(t, inputs, 3)

	ids := rows(t, inputs[0])
	mask := rows(t, inputs[1])
	// Padded to the longest sequence of the batch.
	require.Equal(t, [][]int64{{1, 2, 3}, {1, 0, 0}, {2, 3, 0}}, ids)
	require.Equal(t, [][]int64{{1, 1, 1}, {1, 0, 0}, {1, 1, 0}}, mask)

	// Single-step decoder scaffold: zeros shaped [n, 1].
	require.Equal(t, []int{3, 1}, inputs[2].Shape().Dimensions)
	require.Equal(t, []int64{0, 0, 0}, tensors.MustCopyFlatData[int64](inputs[2]))
}

func TestEncodeBatchLeftPad(t *testing.T) {
	e := &Encoder{Tokenizer: &wordsTokenizer{}, PadID: 9, PadLeft: true}
	inputs := e.EncodeBatch([]string{"alpha beta", "alpha"})
	require.Equal(t, [][]int64{{1, 2}, {9, 1}}, rows(t, inputs[0]))
	require.Equal(t, [][]int64{{1, 1}, {0, 1}}, rows(t, inputs[1]))
}

func TestEncodeBatchTruncation(t *testing.T) {
	e := &Encoder{Tokenizer: &wordsTokenizer{}, MaxTokens: 2}
	inputs := e.EncodeBatch([]string{"alpha beta gamma delta"})
	require.Equal(t, []int{1, 2}, inputs[0].Shape().Dimensions)
	require.Equal(t, []int64{1, 2}, tensors.MustCopyFlatData[int64](inputs[0]))
}
