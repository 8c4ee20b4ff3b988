package knobs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDivisorsCapped(t *testing.T) {
	divs := Divisors(200, 128)
	require.Equal(t, []int{1, 2, 4, 5, 8, 10, 20, 25, 40, 50, 100}, divs)
}

func TestDivisorsExcludesAboveCap(t *testing.T) {
	divs := Divisors(256, 128)
	for _, d := range divs {
		require.LessOrEqual(t, d, 128)
	}
	require.NotContains(t, divs, 256)
}

func TestMatmulPrintEntryScenario6(t *testing.T) {
	entry := MatmulPrintEntry(200, 200, 200)
	tm := entry["TileSize_M"].(intValues)
	require.Equal(t, Divisors(200, 128), tm.Values)
	ur := entry["InnerLoopUnrollFactor"].(intRange)
	require.Equal(t, [2]int{0, 16}, ur.DataRange)
}

func TestWriteSchemaProducesValidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knobs.json")

	schema := PrintSchema{
		"matmul_fn": {
			"Matmul_0": MatmulPrintEntry(200, 200, 200),
		},
	}
	require.NoError(t, WriteTo(path, schema))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "TileSize_M")
	require.Contains(t, string(data), "data_range")
}

func TestReadKnobSetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"matmul_fn": {
			"Matmul_0": {"TileSize_M": 2, "TileSize_N": 2, "TileSize_K": 2, "InnerLoopUnrollFactor": 4}
		}
	}`), 0o644))

	set, err := ReadFrom(path)
	require.NoError(t, err)
	k, ok := set.Lookup("matmul_fn", "Matmul_0")
	require.True(t, ok)
	require.Equal(t, 2, *k.TileSizeM)
	require.Equal(t, 4, *k.InnerLoopUnrollFactor)

	_, ok = set.Lookup("matmul_fn", "Matmul_1")
	require.False(t, ok)
}
