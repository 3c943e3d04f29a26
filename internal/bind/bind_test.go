package bind

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-gpu/loom/internal/kir"
)

func TestRowMajorEvenSplit(t *testing.T) {
	b, err := BindParallel(kir.Shape{64, 64}, 128, 4, RowMajor)
	require.NoError(t, err)
	assert.Equal(t, 32, b.PerThread)
	// 4-byte elements cap the vector at 4 lanes (16-byte transaction).
	assert.Equal(t, 4, b.VectorWidth)
}

func TestRowMajorUnevenFails(t *testing.T) {
	_, err := BindParallel(kir.Shape{10, 10}, 128, 4, RowMajor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kir.ErrCoverage))
}

func TestVectorWidthRespectsElementSize(t *testing.T) {
	// 2-byte elements: 8 lanes fit in 16 bytes.
	b, err := BindParallel(kir.Shape{64, 64}, 128, 2, RowMajor)
	require.NoError(t, err)
	assert.Equal(t, 8, b.VectorWidth)

	// Per-thread count of 2 limits the width regardless of element size.
	b, err = BindParallel(kir.Shape{16, 16}, 128, 2, RowMajor)
	require.NoError(t, err)
	assert.Equal(t, 2, b.PerThread)
	assert.Equal(t, 2, b.VectorWidth)
}

func TestRowMajorExactCoverage(t *testing.T) {
	b, err := BindParallel(kir.Shape{32, 32}, 64, 4, RowMajor)
	require.NoError(t, err)

	counts := make([]int, b.Threads)
	for e := 0; e < 32*32; e++ {
		th, _ := b.Assign(e)
		require.GreaterOrEqual(t, th, 0)
		require.Less(t, th, b.Threads)
		counts[th]++
	}
	for _, c := range counts {
		assert.Equal(t, b.PerThread, c)
	}
}

func TestRowPerWarp(t *testing.T) {
	// 128 threads = 4 warps; 64 rows, 4 rows... 64 rows across 4 warps,
	// 64 columns across 32 lanes.
	b, err := BindParallel(kir.Shape{64, 64}, 128, 4, RowPerWarp)
	require.NoError(t, err)
	assert.Equal(t, 32, b.PerThread)

	// Row r is owned entirely by warp r mod 4.
	for _, row := range []int{0, 1, 5, 63} {
		th, _ := b.Assign(row * 64)
		assert.Equal(t, row%4, th/WarpSize, "row %d", row)
	}
}

func TestRowPerWarpGeometryErrors(t *testing.T) {
	// Thread count not a warp multiple.
	_, err := BindParallel(kir.Shape{64, 64}, 48, 4, RowPerWarp)
	assert.True(t, errors.Is(err, kir.ErrCoverage))

	// Rows not divisible by warp count.
	_, err = BindParallel(kir.Shape{6, 64}, 128, 4, RowPerWarp)
	assert.True(t, errors.Is(err, kir.ErrCoverage))

	// Columns not divisible by the lane count.
	_, err = BindParallel(kir.Shape{64, 48}, 128, 4, RowPerWarp)
	assert.True(t, errors.Is(err, kir.ErrCoverage))
}

func TestBindRejectsBadInputs(t *testing.T) {
	_, err := BindParallel(kir.Shape{0, 4}, 32, 4, RowMajor)
	assert.Error(t, err)

	_, err = BindParallel(kir.Shape{4, 4}, 0, 4, RowMajor)
	assert.True(t, errors.Is(err, kir.ErrCoverage))
}
