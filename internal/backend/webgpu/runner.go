// Package webgpu executes emitted WGSL kernels through go-webgpu. It is
// the runtime half of the compiler: upload the caller's global buffers,
// dispatch the launch grid, read the outputs back. All scheduling is
// already baked into the shader source.
package webgpu

import (
	"encoding/binary"
	"math"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loom-gpu/loom/internal/compile"
	"github.com/loom-gpu/loom/internal/kir"
)

// Runner owns a WebGPU device and a cache of compiled kernel pipelines.
type Runner struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
	mu        sync.RWMutex

	pool *BufferPool
}

// New creates a runner on the highest-performance available adapter.
func New() (r *Runner, err error) {
	// The native library panics out of cgo-free bindings when absent.
	defer func() {
		if rec := recover(); rec != nil {
			r = nil
			err = errors.Errorf("webgpu: native library not available: %v", rec)
		}
	}()

	instance, instanceErr := wgpu.CreateInstance(nil)
	if instanceErr != nil {
		return nil, errors.Wrap(instanceErr, "webgpu: failed to create instance")
	}
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, errors.Wrap(adapterErr, "webgpu: failed to request adapter")
	}

	device, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(deviceErr, "webgpu: failed to request device")
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.New("webgpu: failed to get queue")
	}

	r = &Runner{
		instance:  instance,
		adapter:   adapter,
		device:    device,
		queue:     queue,
		shaders:   make(map[string]*wgpu.ShaderModule),
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}
	r.pool = NewBufferPool(device)
	return r, nil
}

// IsAvailable reports whether a WebGPU adapter can be created.
func IsAvailable() (available bool) {
	defer func() {
		if recover() != nil {
			available = false
		}
	}()
	r, err := New()
	if err != nil {
		return false
	}
	r.Release()
	return true
}

// Release frees the device and every cached resource.
func (r *Runner) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pipelines {
		p.Release()
	}
	for _, s := range r.shaders {
		s.Release()
	}
	if r.pool != nil {
		r.pool.Clear()
	}
	if r.queue != nil {
		r.queue.Release()
	}
	if r.device != nil {
		r.device.Release()
	}
	if r.adapter != nil {
		r.adapter.Release()
	}
	if r.instance != nil {
		r.instance.Release()
	}
}

// pipeline returns the cached compute pipeline for a kernel, compiling
// its WGSL on first use.
func (r *Runner) pipeline(art *compile.Artifact) *wgpu.ComputePipeline {
	name := art.Kernel.Name
	r.mu.RLock()
	if p, ok := r.pipelines[name]; ok {
		r.mu.RUnlock()
		return p
	}
	r.mu.RUnlock()

	shader := r.device.CreateShaderModuleWGSL(art.WGSL)
	pipeline := r.device.CreateComputePipelineSimple(nil, shader, "main")

	r.mu.Lock()
	r.shaders[name] = shader
	r.pipelines[name] = pipeline
	r.mu.Unlock()
	return pipeline
}

// Execute runs the artifact over its launch grid. floats and bytes hold
// the global parameter storage, keyed by buffer; every parameter is
// uploaded, and all of them are read back after the dispatch since
// storage bindings are read_write.
func (r *Runner) Execute(art *compile.Artifact, floats map[*kir.Buffer][]float32, bytes map[*kir.Buffer][]uint8) error {
	k := art.Kernel
	pipeline := r.pipeline(art)

	gpuBufs := make([]*wgpu.Buffer, len(k.Params))
	sizes := make([]uint64, len(k.Params))
	for i, p := range k.Params {
		host, err := hostBytes(p, floats[p], bytes[p])
		if err != nil {
			return err
		}
		sizes[i] = uint64(len(host))
		buf := r.pool.Acquire(sizes[i], wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
		r.queue.WriteBuffer(buf, 0, host)
		gpuBufs[i] = buf
	}
	defer func() {
		for i, buf := range gpuBufs {
			if buf != nil {
				r.pool.Release(buf, sizes[i], wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
			}
		}
	}()

	entries := make([]wgpu.BindGroupEntry, len(k.Params))
	for i, buf := range gpuBufs {
		entries[i] = wgpu.BufferBindingEntry(uint32(i), buf, 0, sizes[i])
	}
	bindGroup := r.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := r.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(uint32(k.GridX), uint32(k.GridY), 1)
	pass.End()
	r.queue.Submit(encoder.Finish(nil))

	klog.V(1).Infof("webgpu: dispatched kernel %q over %dx%d blocks", k.Name, k.GridX, k.GridY)

	for i, p := range k.Params {
		data, err := r.readBuffer(gpuBufs[i], sizes[i])
		if err != nil {
			return errors.Wrapf(err, "webgpu: kernel %q: read back %q", k.Name, p.Name)
		}
		unpackHost(p, data, floats[p], bytes[p])
	}
	return nil
}

// readBuffer copies a storage buffer through a staging buffer back to
// host memory.
func (r *Runner) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := r.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := r.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	r.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(r.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, errors.Wrap(err, "failed to map staging buffer")
	}
	mapped := staging.GetMappedRange(0, size)
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(mapped), size))
	staging.Unmap()
	return out, nil
}

// hostBytes lays out a parameter for the shader's storage binding:
// floats (half precision included) travel as f32, packed int8 codes
// widen to one u32 per byte to match the emitter's array<u32> bindings.
func hostBytes(p *kir.Buffer, f []float32, b []uint8) ([]byte, error) {
	n := p.NumElements()
	switch p.DType {
	case kir.Int8, kir.Uint8:
		if len(b) != n {
			return nil, errors.Wrapf(kir.ErrShape, "param %q: bound %d bytes, want %d", p.Name, len(b), n)
		}
		out := make([]byte, 4*n)
		for i, v := range b {
			binary.LittleEndian.PutUint32(out[4*i:], uint32(v))
		}
		return out, nil
	default:
		if len(f) != n {
			return nil, errors.Wrapf(kir.ErrShape, "param %q: bound %d elements, want %d", p.Name, len(f), n)
		}
		out := make([]byte, 4*n)
		for i, v := range f {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out, nil
	}
}

// unpackHost writes read-back storage into the caller's slices.
func unpackHost(p *kir.Buffer, data []byte, f []float32, b []uint8) {
	n := p.NumElements()
	switch p.DType {
	case kir.Int8, kir.Uint8:
		for i := 0; i < n && b != nil; i++ {
			b[i] = uint8(binary.LittleEndian.Uint32(data[4*i:]))
		}
	default:
		for i := 0; i < n && f != nil; i++ {
			f[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	}
}
