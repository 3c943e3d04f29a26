package webgpu

import (
	"testing"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolReuse(t *testing.T) {
	r := requireGPU(t)
	pool := r.pool

	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc
	buf := pool.Acquire(1024, usage)
	require.NotNil(t, buf)

	allocated, hits, misses, pooled := pool.Stats()
	assert.Equal(t, uint64(1), allocated)
	assert.Equal(t, uint64(1), misses)
	assert.Equal(t, uint64(0), hits)
	assert.Equal(t, 0, pooled)

	pool.Release(buf, 1024, usage)
	_, _, _, pooled = pool.Stats()
	assert.Equal(t, 1, pooled)

	// Second acquire of the same size must hit the pool.
	buf2 := pool.Acquire(1024, usage)
	require.NotNil(t, buf2)
	allocated, hits, _, _ = pool.Stats()
	assert.Equal(t, uint64(1), allocated)
	assert.Equal(t, uint64(1), hits)
	pool.Release(buf2, 1024, usage)
}

func TestBufferPoolUsageMismatchMisses(t *testing.T) {
	r := requireGPU(t)
	pool := r.pool

	buf := pool.Acquire(2048, wgpu.BufferUsageStorage)
	pool.Release(buf, 2048, wgpu.BufferUsageStorage)

	// Requesting extra usage bits cannot reuse the pooled buffer.
	buf2 := pool.Acquire(2048, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	require.NotNil(t, buf2)
	_, hits, misses, _ := pool.Stats()
	assert.Equal(t, uint64(0), hits)
	assert.Equal(t, uint64(2), misses)
	pool.Release(buf2, 2048, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
}
