package kir

import "github.com/pkg/errors"

// Coord is an affine tile origin: Const + BlockX*bx + BlockY*by + Iter*i,
// where bx/by are the block indices and i is the innermost pipelined (or
// serial) loop index. Keeping origins affine means every address the
// emitter renders costs O(1) arithmetic per access.
type Coord struct {
	Const  int
	BlockX int
	BlockY int
	Iter   int
}

// Eval resolves the origin for a concrete block and loop iteration.
func (c Coord) Eval(bx, by, iter int) int {
	return c.Const + c.BlockX*bx + c.BlockY*by + c.Iter*iter
}

// View is a 2D tile window into a buffer. Rows/Cols give the tile extent;
// Row/Col give the element origin inside the buffer.
type View struct {
	Buf  *Buffer
	Rows int
	Cols int
	Row  Coord
	Col  Coord
}

// Full returns a view covering the buffer's whole 2D footprint.
func Full(b *Buffer) View {
	return View{Buf: b, Rows: b.Shape.Rows(), Cols: b.Shape.Cols()}
}

// Validate checks the view extent against the buffer shape.
func (v View) Validate() error {
	if v.Buf == nil {
		return errors.Wrap(ErrShape, "view references no buffer")
	}
	if v.Rows <= 0 || v.Cols <= 0 {
		return errors.Wrapf(ErrShape, "buffer %q: view extent %dx%d must be positive", v.Buf.Name, v.Rows, v.Cols)
	}
	if v.Buf.Scope != Global && (v.Rows > v.Buf.Shape.Rows() || v.Cols > v.Buf.Shape.Cols()) {
		return errors.Wrapf(ErrShape, "buffer %q: view %dx%d exceeds tile %dx%d",
			v.Buf.Name, v.Rows, v.Cols, v.Buf.Shape.Rows(), v.Buf.Shape.Cols())
	}
	return nil
}

// LayoutFunc maps a logical linear element index to a physical element
// offset inside a buffer's footprint. Layouts are pure function values
// closed over shape parameters; the planner rejects any that are not
// bijections.
type LayoutFunc func(index int) int

// Stmt is a node of a kernel body: a copy, a compute op, a nested loop,
// or a layout/barrier directive.
type Stmt interface {
	stmtNode()
}

// CopyStmt moves a tile between memory scopes (global<->shared,
// shared<->fragment). Global-to-shared copies are the asynchronous
// producers the pipeline scheduler overlaps with compute; every other
// copy runs in iteration order with the consumers.
type CopyStmt struct {
	Src View
	Dst View
}

func (*CopyStmt) stmtNode() {}

// Validate checks that source and destination tiles agree in extent.
func (c *CopyStmt) Validate() error {
	if err := c.Src.Validate(); err != nil {
		return err
	}
	if err := c.Dst.Validate(); err != nil {
		return err
	}
	if c.Src.Rows != c.Dst.Rows || c.Src.Cols != c.Dst.Cols {
		return errors.Wrapf(ErrShape, "copy %q -> %q: tile %dx%d vs %dx%d",
			c.Src.Buf.Name, c.Dst.Buf.Name, c.Src.Rows, c.Src.Cols, c.Dst.Rows, c.Dst.Cols)
	}
	return nil
}

// GemmStmt is a matrix-multiply-accumulate over tiles:
// Acc += op(A) x op(B), where op transposes when the flag is set.
// The target-specific warp-matrix instruction selection is out of scope;
// the scheduler treats this as one opaque compute primitive.
type GemmStmt struct {
	A      View
	B      View
	Acc    View
	TransA bool
	TransB bool
}

func (*GemmStmt) stmtNode() {}

// Dims returns the effective (M, N, K) of the product after transposes.
func (g *GemmStmt) Dims() (m, n, k int) {
	m, k = g.A.Rows, g.A.Cols
	if g.TransA {
		m, k = k, m
	}
	n = g.B.Cols
	if g.TransB {
		n = g.B.Rows
	}
	return m, n, k
}

// Validate checks operand shapes against the accumulator.
func (g *GemmStmt) Validate() error {
	for _, v := range []View{g.A, g.B, g.Acc} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	m, n, k := g.Dims()
	kb := g.B.Rows
	if g.TransB {
		kb = g.B.Cols
	}
	if kb != k {
		return errors.Wrapf(ErrShape, "gemm %q x %q: inner dimensions %d vs %d", g.A.Buf.Name, g.B.Buf.Name, k, kb)
	}
	if g.Acc.Rows != m || g.Acc.Cols != n {
		return errors.Wrapf(ErrShape, "gemm accumulator %q: want %dx%d, got %dx%d",
			g.Acc.Buf.Name, m, n, g.Acc.Rows, g.Acc.Cols)
	}
	return nil
}

// FillStmt sets every element of a tile to a constant.
type FillStmt struct {
	Dst   View
	Value float32
}

func (*FillStmt) stmtNode() {}

// EwiseOp selects an elementwise operation.
type EwiseOp int

// Elementwise operations. Binary ops broadcast B across columns when B is
// a single-column tile.
const (
	EwAdd EwiseOp = iota
	EwSub
	EwMul
	EwDiv
	EwMax
	EwExp
	EwScale // Dst = A * Scalar
)

// String returns a human-readable name for the elementwise op.
func (op EwiseOp) String() string {
	switch op {
	case EwAdd:
		return "add"
	case EwSub:
		return "sub"
	case EwMul:
		return "mul"
	case EwDiv:
		return "div"
	case EwMax:
		return "max"
	case EwExp:
		return "exp"
	case EwScale:
		return "scale"
	default:
		return "unknown"
	}
}

// EwiseStmt applies an elementwise operation over tiles. B is nil for
// unary ops; Scalar is the immediate operand of EwScale.
type EwiseStmt struct {
	Op     EwiseOp
	A      View
	B      *View
	Scalar float32
	Dst    View
}

func (*EwiseStmt) stmtNode() {}

// Validate checks operand extents, allowing column-vector broadcast for B.
func (e *EwiseStmt) Validate() error {
	if err := e.A.Validate(); err != nil {
		return err
	}
	if err := e.Dst.Validate(); err != nil {
		return err
	}
	if e.A.Rows != e.Dst.Rows || e.A.Cols != e.Dst.Cols {
		return errors.Wrapf(ErrShape, "%s: operand %dx%d vs destination %dx%d",
			e.Op, e.A.Rows, e.A.Cols, e.Dst.Rows, e.Dst.Cols)
	}
	if e.B != nil {
		if err := e.B.Validate(); err != nil {
			return err
		}
		if e.B.Rows != e.A.Rows || (e.B.Cols != e.A.Cols && e.B.Cols != 1) {
			return errors.Wrapf(ErrShape, "%s: second operand %dx%d does not match %dx%d and is not a column vector",
				e.Op, e.B.Rows, e.B.Cols, e.A.Rows, e.A.Cols)
		}
	}
	return nil
}

// ReduceOp selects a reduction operator.
type ReduceOp int

// Reduction operators.
const (
	ReduceSum ReduceOp = iota
	ReduceMax
)

// ReduceStmt reduces a tile along an axis. Axis 1 collapses columns, so a
// RxC source reduces into an Rx1 destination.
type ReduceStmt struct {
	Op   ReduceOp
	Axis int
	Src  View
	Dst  View
}

func (*ReduceStmt) stmtNode() {}

// Validate checks the reduced extent.
func (r *ReduceStmt) Validate() error {
	if err := r.Src.Validate(); err != nil {
		return err
	}
	if err := r.Dst.Validate(); err != nil {
		return err
	}
	if r.Axis != 1 {
		return errors.Wrapf(ErrShape, "reduce: only axis 1 (columns) is supported, got %d", r.Axis)
	}
	if r.Dst.Rows != r.Src.Rows || r.Dst.Cols != 1 {
		return errors.Wrapf(ErrShape, "reduce destination %q: want %dx1, got %dx%d",
			r.Dst.Buf.Name, r.Src.Rows, r.Dst.Rows, r.Dst.Cols)
	}
	return nil
}

// DequantStmt unpacks bit-packed quantized codes and dequantizes them:
// each source byte holds 8/Bits codes, and
// dst = (float(code) - zero) * scale, with scales and zero points shared
// per output column group. Source tiles are int8 storage.
type DequantStmt struct {
	Src    View // packed codes, int8 storage
	Scales View // one scale per output column
	Zeros  View // one zero point per output column
	Dst    View
	Bits   int // 2 or 4
}

func (*DequantStmt) stmtNode() {}

// Validate checks packing arithmetic: Dst must widen Src columns by the
// per-byte code count.
func (d *DequantStmt) Validate() error {
	if d.Bits != 2 && d.Bits != 4 {
		return errors.Wrapf(ErrShape, "dequant %q: bits must be 2 or 4, got %d", d.Dst.Buf.Name, d.Bits)
	}
	if d.Src.Buf.DType != Int8 && d.Src.Buf.DType != Uint8 {
		return errors.Wrapf(ErrShape, "dequant %q: packed source must be int8 storage, got %s",
			d.Src.Buf.Name, d.Src.Buf.DType)
	}
	if !d.Dst.Buf.DType.IsFloat() {
		return errors.Wrapf(ErrShape, "dequant %q: destination must be floating point, got %s",
			d.Dst.Buf.Name, d.Dst.Buf.DType)
	}
	perByte := 8 / d.Bits
	if d.Dst.Cols != d.Src.Cols*perByte || d.Dst.Rows != d.Src.Rows {
		return errors.Wrapf(ErrShape, "dequant %q -> %q: %dx%d packed at %d bits unpacks to %dx%d, destination is %dx%d",
			d.Src.Buf.Name, d.Dst.Buf.Name, d.Src.Rows, d.Src.Cols, d.Bits,
			d.Src.Rows, d.Src.Cols*perByte, d.Dst.Rows, d.Dst.Cols)
	}
	return nil
}

// BarrierStmt is an explicit block-wide synchronization directive.
type BarrierStmt struct{}

func (*BarrierStmt) stmtNode() {}

// SwizzleSpec is the symbolic form of a shift/xor/mask address
// transform: phys = row<<ColBits | (col ^ (row & Mask)). The emitter can
// only render layouts carrying a spec; arbitrary LayoutFunc hints are
// validated but rendered with identity addressing on both sides of the
// buffer, which preserves correctness.
type SwizzleSpec struct {
	ColBits int
	Mask    int
}

// Fn returns the layout function the spec denotes.
func (sp SwizzleSpec) Fn() LayoutFunc {
	cols := 1 << sp.ColBits
	return func(index int) int {
		row := index >> sp.ColBits
		col := index & (cols - 1)
		return row<<sp.ColBits | (col ^ (row & sp.Mask))
	}
}

// HintStmt attaches a layout hint to a shared buffer. The planner treats
// user hints as strictly overriding its default heuristic. Spec is set
// when the hint is expressible symbolically; Fn is always set.
type HintStmt struct {
	Buf  *Buffer
	Fn   LayoutFunc
	Spec *SwizzleSpec
}

func (*HintStmt) stmtNode() {}
