package kernels

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-gpu/loom/internal/compile"
	"github.com/loom-gpu/loom/internal/sim"
)

// refAttention computes O = softmax(Q K^T / sqrt(d)) V directly.
func refAttention(q, k, v []float32, seqLen, headDim int) []float32 {
	scale := 1.0 / math.Sqrt(float64(headDim))
	out := make([]float32, seqLen*headDim)
	scores := make([]float64, seqLen)
	for i := 0; i < seqLen; i++ {
		maxS := math.Inf(-1)
		for j := 0; j < seqLen; j++ {
			var s float64
			for d := 0; d < headDim; d++ {
				s += float64(q[i*headDim+d]) * float64(k[j*headDim+d])
			}
			scores[j] = s * scale
			if scores[j] > maxS {
				maxS = scores[j]
			}
		}
		var sum float64
		for j := 0; j < seqLen; j++ {
			scores[j] = math.Exp(scores[j] - maxS)
			sum += scores[j]
		}
		for d := 0; d < headDim; d++ {
			var acc float64
			for j := 0; j < seqLen; j++ {
				acc += scores[j] * float64(v[j*headDim+d])
			}
			out[i*headDim+d] = float32(acc / sum)
		}
	}
	return out
}

func TestFlashAttentionAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	cfg := DefaultFlashAttentionConfig(128, 64)

	kern, params, err := FlashAttention(cfg)
	require.NoError(t, err)
	art, err := compile.Compile(kern)
	require.NoError(t, err)

	n := cfg.SeqLen * cfg.HeadDim
	q := randSlice(rng, n)
	k := randSlice(rng, n)
	v := randSlice(rng, n)

	mem := sim.NewMemory()
	mem.Bind(params.Q, append([]float32(nil), q...))
	mem.Bind(params.K, append([]float32(nil), k...))
	mem.Bind(params.V, append([]float32(nil), v...))
	o := make([]float32, n)
	mem.Bind(params.O, o)
	require.NoError(t, sim.Run(art, mem))

	ref := refAttention(q, k, v, cfg.SeqLen, cfg.HeadDim)
	for i := range ref {
		assert.InDelta(t, ref[i], o[i], 1e-3)
	}
}

func TestFlashAttentionStageCountInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	base := DefaultFlashAttentionConfig(128, 64)
	n := base.SeqLen * base.HeadDim
	q := randSlice(rng, n)
	k := randSlice(rng, n)
	v := randSlice(rng, n)

	run := func(stages int) []float32 {
		cfg := base
		cfg.Stages = stages
		kern, params, err := FlashAttention(cfg)
		require.NoError(t, err)
		art, err := compile.Compile(kern)
		require.NoError(t, err)

		mem := sim.NewMemory()
		mem.Bind(params.Q, append([]float32(nil), q...))
		mem.Bind(params.K, append([]float32(nil), k...))
		mem.Bind(params.V, append([]float32(nil), v...))
		o := make([]float32, n)
		mem.Bind(params.O, o)
		require.NoError(t, sim.Run(art, mem))
		return o
	}

	want := run(1)
	for _, stages := range []int{2, 3} {
		assert.Equal(t, want, run(stages), "stages=%d", stages)
	}
}

func TestFlashAttentionRejectsIndivisibleTiles(t *testing.T) {
	cfg := DefaultFlashAttentionConfig(100, 64)
	_, _, err := FlashAttention(cfg)
	require.Error(t, err)
}
