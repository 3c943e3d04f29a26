package kernels

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/loom-gpu/loom/internal/compile"
	"github.com/loom-gpu/loom/internal/kir"
	"github.com/loom-gpu/loom/internal/sim"
)

// refMatmul computes C = A x B in float32, rounding operands and the
// result through float16 storage the way the kernel does.
func refMatmul(a, b []float32, m, n, k int, half bool) []float32 {
	round := func(x float32) float32 {
		if half {
			return float16.Fromfloat32(x).Float32()
		}
		return x
	}
	c := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc float32
			for kk := 0; kk < k; kk++ {
				acc += round(a[i*k+kk]) * round(b[kk*n+j])
			}
			c[i*n+j] = round(acc)
		}
	}
	return c
}

func randSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32() - 0.5
	}
	return out
}

func runMatmul(t *testing.T, cfg MatmulConfig, a, b []float32) []float32 {
	t.Helper()
	k, params, err := Matmul(cfg)
	require.NoError(t, err)
	art, err := compile.Compile(k)
	require.NoError(t, err)

	mem := sim.NewMemory()
	mem.Bind(params.A, append([]float32(nil), a...))
	mem.Bind(params.B, append([]float32(nil), b...))
	c := make([]float32, cfg.M*cfg.N)
	mem.Bind(params.C, c)
	require.NoError(t, sim.Run(art, mem))
	return c
}

func TestMatmulStageCountInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cfg := MatmulConfig{
		M: 64, N: 64, K: 64,
		TileM: 32, TileN: 32, TileK: 16,
		Threads: 64,
		DType:   kir.Float16,
	}
	a := randSlice(rng, cfg.M*cfg.K)
	b := randSlice(rng, cfg.K*cfg.N)

	cfg.Stages = 1
	base := runMatmul(t, cfg, a, b)

	for _, stages := range []int{2, 3, 4} {
		cfg.Stages = stages
		got := runMatmul(t, cfg, a, b)
		assert.Equal(t, base, got, "stages=%d", stages)
	}

	ref := refMatmul(a, b, cfg.M, cfg.N, cfg.K, true)
	for i := range ref {
		assert.InDelta(t, ref[i], base[i], 1e-2)
	}
}

// TestMatmulCanonicalScenario pins the (128,128,32)-tile, 128-thread,
// 2-stage configuration over 8 K iterations: prologue 1, steady 8,
// epilogue 1, half precision within 1e-2 of the float32 reference.
func TestMatmulCanonicalScenario(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	cfg := DefaultMatmulConfig(128, 128, 256)
	require.Equal(t, 8, cfg.K/cfg.TileK)

	k, params, err := Matmul(cfg)
	require.NoError(t, err)
	art, err := compile.Compile(k)
	require.NoError(t, err)

	require.Len(t, art.Schedules, 1)
	for _, s := range art.Schedules {
		assert.Equal(t, 1, s.PrologueIters)
		assert.Equal(t, 8, s.SteadyIters)
		assert.Equal(t, 1, s.EpilogueIters)
	}

	a := randSlice(rng, cfg.M*cfg.K)
	b := randSlice(rng, cfg.K*cfg.N)
	mem := sim.NewMemory()
	mem.Bind(params.A, append([]float32(nil), a...))
	mem.Bind(params.B, append([]float32(nil), b...))
	c := make([]float32, cfg.M*cfg.N)
	mem.Bind(params.C, c)
	require.NoError(t, sim.Run(art, mem))

	ref := refMatmul(a, b, cfg.M, cfg.N, cfg.K, true)
	for i := range ref {
		assert.InDelta(t, ref[i], c[i], 1e-2)
	}
}

func TestMatmulStagesDeeperThanTripCount(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cfg := MatmulConfig{
		M: 32, N: 32, K: 32,
		TileM: 32, TileN: 32, TileK: 16,
		Stages:  4, // trip count is only 2
		Threads: 32,
		DType:   kir.Float32,
	}
	a := randSlice(rng, cfg.M*cfg.K)
	b := randSlice(rng, cfg.K*cfg.N)
	got := runMatmul(t, cfg, a, b)

	ref := refMatmul(a, b, cfg.M, cfg.N, cfg.K, false)
	for i := range ref {
		assert.InDelta(t, ref[i], got[i], 1e-4)
	}
}

func TestMatmulRejectsIndivisibleTiles(t *testing.T) {
	cfg := DefaultMatmulConfig(100, 128, 256)
	_, _, err := Matmul(cfg)
	require.Error(t, err)
}
