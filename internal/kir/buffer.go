package kir

import "github.com/pkg/errors"

// Scope identifies where a buffer lives in the memory hierarchy.
type Scope int

const (
	// Global buffers are caller-owned kernel parameters. The allocator
	// never sizes or writes them.
	Global Scope = iota
	// Shared buffers live in workgroup memory, visible to every thread in
	// a block and released at kernel exit.
	Shared
	// Fragment buffers are register-resident per-thread-group operands of
	// a compute primitive.
	Fragment
	// Local buffers are private per-thread scratch.
	Local
)

// String returns a human-readable name for the scope.
func (s Scope) String() string {
	switch s {
	case Global:
		return "global"
	case Shared:
		return "shared"
	case Fragment:
		return "fragment"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// Buffer is a logical tile-level buffer tagged with a memory scope.
// Shared, fragment and local buffers are owned by the enclosing kernel
// invocation; global buffers are declared as kernel parameters.
type Buffer struct {
	Name  string
	Shape Shape
	DType DataType
	Scope Scope

	// Stages is the multi-buffering factor assigned by the pipeline
	// scheduler: a buffer produced inside a Pipelined(s) loop holds s
	// in-flight copies of its per-iteration footprint. 1 for everything
	// else.
	Stages int

	// Offset is the byte offset of the buffer inside the packed shared
	// region, filled in by the allocator. Only meaningful for Shared.
	// Both executors widen narrow elements to 32-bit storage and keep a
	// separate array per buffer, so the offset feeds the region budget
	// and the compile report rather than their addressing.
	Offset int
}

// NumElements returns the per-stage element count of the buffer.
func (b *Buffer) NumElements() int {
	return b.Shape.NumElements()
}

// ByteSize returns the per-stage footprint in bytes, excluding the
// multi-buffering factor.
func (b *Buffer) ByteSize() int {
	return b.NumElements() * b.DType.Size()
}

// TotalByteSize returns the footprint including all pipeline stages.
func (b *Buffer) TotalByteSize() int {
	stages := b.Stages
	if stages < 1 {
		stages = 1
	}
	return stages * b.ByteSize()
}

// NewBuffer allocates a kernel-owned buffer in the given scope.
// Global buffers must be declared as kernel parameters via NewParam, so
// requesting Global here fails with ErrScope.
func NewBuffer(name string, shape Shape, dtype DataType, scope Scope) (*Buffer, error) {
	if scope == Global {
		return nil, errors.Wrapf(ErrScope, "buffer %q: global buffers are kernel parameters, not allocations", name)
	}
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrapf(err, "buffer %q", name)
	}
	return &Buffer{Name: name, Shape: shape.Clone(), DType: dtype, Scope: scope, Stages: 1}, nil
}

// NewParam declares a caller-owned global buffer as a kernel parameter.
func NewParam(name string, shape Shape, dtype DataType) (*Buffer, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrapf(err, "param %q", name)
	}
	return &Buffer{Name: name, Shape: shape.Clone(), DType: dtype, Scope: Global, Stages: 1}, nil
}
