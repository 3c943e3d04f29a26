// Package tile is the public API for describing tile-level kernels:
// typed buffers with memory scopes, annotated loops, and the statements
// the lowering pipeline consumes.
//
// Example:
//
//	k := tile.NewKernel("scale", 1, 1, 64)
//	x, _ := k.Param("x", tile.Shape{64, 64}, tile.Float32)
//	buf, _ := k.Alloc("xs", tile.Shape{64, 64}, tile.Float32, tile.Shared)
//	...
//	art, err := tile.Compile(k)
package tile

import (
	"github.com/loom-gpu/loom/internal/kir"
)

// DataType represents the element type of a buffer.
type DataType = kir.DataType

// Element types.
const (
	Float32 DataType = kir.Float32
	Float16 DataType = kir.Float16
	Int32   DataType = kir.Int32
	Int8    DataType = kir.Int8
	Uint8   DataType = kir.Uint8
)

// Scope identifies where a buffer lives in the memory hierarchy.
type Scope = kir.Scope

// Memory scopes.
const (
	Global   Scope = kir.Global
	Shared   Scope = kir.Shared
	Fragment Scope = kir.Fragment
	Local    Scope = kir.Local
)

// Shape is a buffer's 2D extent in elements.
type Shape = kir.Shape

// Buffer is a logical tile-level buffer tagged with a memory scope.
type Buffer = kir.Buffer

// Kernel is one tile program: parameters, allocations, launch geometry
// and an annotated statement body.
type Kernel = kir.Kernel

// NewKernel creates an empty kernel with the given launch geometry.
func NewKernel(name string, gridX, gridY, threads int) *Kernel {
	return kir.NewKernel(name, gridX, gridY, threads)
}

// Coord is an affine tile origin evaluated per block and loop iteration.
type Coord = kir.Coord

// View is a 2D tile window into a buffer.
type View = kir.View

// Full returns a view covering the buffer's whole footprint.
func Full(b *Buffer) View { return kir.Full(b) }

// Statement nodes of a kernel body.
type (
	Stmt        = kir.Stmt
	Loop        = kir.Loop
	CopyStmt    = kir.CopyStmt
	GemmStmt    = kir.GemmStmt
	FillStmt    = kir.FillStmt
	EwiseStmt   = kir.EwiseStmt
	ReduceStmt  = kir.ReduceStmt
	DequantStmt = kir.DequantStmt
	BarrierStmt = kir.BarrierStmt
	HintStmt    = kir.HintStmt
)

// Loop annotation kinds.
type LoopKind = kir.LoopKind

const (
	Serial     LoopKind = kir.Serial
	Parallel   LoopKind = kir.Parallel
	Pipelined  LoopKind = kir.Pipelined
	Vectorized LoopKind = kir.Vectorized
)

// NewPipelined builds a pipelined loop with the given overlap depth.
func NewPipelined(extent, stages int, body ...Stmt) *Loop {
	return kir.NewPipelined(extent, stages, body...)
}

// NewSerial builds a serial loop.
func NewSerial(extent int, body ...Stmt) *Loop {
	return kir.NewSerial(extent, body...)
}

// Elementwise and reduction operators.
type (
	EwiseOp  = kir.EwiseOp
	ReduceOp = kir.ReduceOp
)

const (
	EwAdd   EwiseOp = kir.EwAdd
	EwSub   EwiseOp = kir.EwSub
	EwMul   EwiseOp = kir.EwMul
	EwDiv   EwiseOp = kir.EwDiv
	EwMax   EwiseOp = kir.EwMax
	EwExp   EwiseOp = kir.EwExp
	EwScale EwiseOp = kir.EwScale

	ReduceSum ReduceOp = kir.ReduceSum
	ReduceMax ReduceOp = kir.ReduceMax
)

// LayoutFunc maps a logical element index to a physical offset.
type LayoutFunc = kir.LayoutFunc

// SwizzleSpec is the symbolic shift/xor/mask address transform.
type SwizzleSpec = kir.SwizzleSpec

// Compile-time error taxonomy; classify with errors.Is.
var (
	ErrScope      = kir.ErrScope
	ErrShape      = kir.ErrShape
	ErrDependency = kir.ErrDependency
	ErrLayout     = kir.ErrLayout
	ErrCoverage   = kir.ErrCoverage
)
