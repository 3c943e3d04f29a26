package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

const (
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
	maxPoolSize     = 64          // Max buffers per category
)

// pooledBuffer wraps a GPU buffer with its allocation metadata.
type pooledBuffer struct {
	buffer *wgpu.Buffer
	size   uint64
	usage  wgpu.BufferUsage
}

// BufferPool reuses parameter storage buffers across kernel dispatches.
// Repeated Execute calls hit the pool instead of allocating, which
// matters when a caller sweeps one kernel over many inputs. Buffers are
// categorized by size.
type BufferPool struct {
	device *wgpu.Device

	small  []*pooledBuffer
	medium []*pooledBuffer
	large  []*pooledBuffer

	mu sync.Mutex

	totalAllocated uint64
	poolHits       uint64
	poolMisses     uint64
}

// NewBufferPool creates a pool for the given device.
func NewBufferPool(device *wgpu.Device) *BufferPool {
	return &BufferPool{device: device}
}

// Acquire returns a pooled buffer that fits the request, or creates one.
func (p *BufferPool) Acquire(size uint64, usage wgpu.BufferUsage) *wgpu.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool := p.category(size)
	for i, pb := range *pool {
		if pb.size >= size && pb.usage&usage == usage {
			buffer := pb.buffer
			*pool = append((*pool)[:i], (*pool)[i+1:]...)
			p.poolHits++
			return buffer
		}
	}

	p.poolMisses++
	p.totalAllocated++
	return p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: usage,
		Size:  size,
	})
}

// Release returns a buffer to the pool, freeing it when the category is
// full.
func (p *BufferPool) Release(buffer *wgpu.Buffer, size uint64, usage wgpu.BufferUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool := p.category(size)
	if len(*pool) >= maxPoolSize {
		buffer.Release()
		return
	}
	*pool = append(*pool, &pooledBuffer{buffer: buffer, size: size, usage: usage})
}

// Clear releases every pooled buffer.
func (p *BufferPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pool := range []*[]*pooledBuffer{&p.small, &p.medium, &p.large} {
		for _, pb := range *pool {
			pb.buffer.Release()
		}
		*pool = (*pool)[:0]
	}
}

// Stats reports allocation and reuse counters.
func (p *BufferPool) Stats() (allocated, hits, misses uint64, pooled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalAllocated, p.poolHits, p.poolMisses, len(p.small) + len(p.medium) + len(p.large)
}

func (p *BufferPool) category(size uint64) *[]*pooledBuffer {
	switch {
	case size < smallThreshold:
		return &p.small
	case size < mediumThreshold:
		return &p.medium
	default:
		return &p.large
	}
}
