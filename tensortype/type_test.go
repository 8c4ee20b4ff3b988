package tensortype

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTensorTypeValid(t *testing.T) {
	tt := TensorType{Shape: []uint64{1, 1, 2, 2}, Layout: []uint64{0, 1, 2, 3}, Padding: []uint64{0, 0, 0, 0}}
	require.NoError(t, tt.Valid())
	require.Equal(t, uint64(4), tt.Size())
	require.True(t, tt.RowMajor())
	require.False(t, tt.ColumnMajor())
}

func TestTensorTypeInvalidRank(t *testing.T) {
	tt := TensorType{Shape: []uint64{1, 2}, Layout: []uint64{0}, Padding: []uint64{0, 0}}
	require.Error(t, tt.Valid())
}

func TestTensorTypeInvalidLayoutPermutation(t *testing.T) {
	tt := TensorType{Shape: []uint64{1, 2}, Layout: []uint64{0, 0}, Padding: []uint64{0, 0}}
	require.Error(t, tt.Valid())
}

func TestTensorTypeInvalidZeroShape(t *testing.T) {
	tt := TensorType{Shape: []uint64{0, 2}, Layout: []uint64{0, 1}, Padding: []uint64{0, 0}}
	require.Error(t, tt.Valid())
}

func TestTensorTypeEqualStructural(t *testing.T) {
	a := TensorType{Shape: []uint64{1, 2}, Layout: []uint64{0, 1}, Padding: []uint64{0, 0}}
	b := TensorType{Shape: []uint64{1, 2}, Layout: []uint64{0, 1}, Padding: []uint64{0, 0}}
	require.True(t, a.Equal(b))
	c := TensorType{Shape: []uint64{2, 1}, Layout: []uint64{0, 1}, Padding: []uint64{0, 0}}
	require.False(t, a.Equal(c))
}

func TestTensorTypeTransposed(t *testing.T) {
	tt := TensorType{Shape: []uint64{1, 1, 4, 8}, Layout: []uint64{0, 1, 2, 3}, Padding: []uint64{0, 0, 0, 0}}
	tr := tt.Transposed()
	require.Equal(t, []uint64{1, 1, 8, 4}, tr.Shape)
	require.Equal(t, []uint64{0, 1, 3, 2}, tr.Layout)
	require.True(t, tr.ColumnMajor())
}

func TestElementwiseOpFloatOnly(t *testing.T) {
	require.True(t, OpTanh.FloatOnly())
	require.True(t, OpExp.FloatOnly())
	require.True(t, OpFabs.FloatOnly())
	require.True(t, OpFloor.FloatOnly())
	require.True(t, OpCeil.FloatOnly())
	require.False(t, OpRelu.FloatOnly())
}
