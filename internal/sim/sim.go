// Package sim executes compiled kernels on the CPU, one block at a
// time, following the lowered schedule exactly: issued copy batches stay
// pending until a wait entry resolves them, staged buffers are addressed
// through their planned layouts and slot arithmetic, and compute runs in
// schedule order. An under-synchronized schedule therefore produces
// wrong numbers here, not just on hardware.
package sim

import (
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/loom-gpu/loom/internal/compile"
	"github.com/loom-gpu/loom/internal/kir"
	"github.com/loom-gpu/loom/internal/parallel"
	"github.com/loom-gpu/loom/internal/schedule"
)

// Memory holds the caller-owned global buffers. Float buffers live in
// Floats; bit-packed int8 storage lives in Bytes. Outputs are written in
// place.
type Memory struct {
	Floats map[*kir.Buffer][]float32
	Bytes  map[*kir.Buffer][]uint8
}

// NewMemory returns an empty memory binding.
func NewMemory() *Memory {
	return &Memory{
		Floats: make(map[*kir.Buffer][]float32),
		Bytes:  make(map[*kir.Buffer][]uint8),
	}
}

// Bind attaches float storage for a global buffer.
func (m *Memory) Bind(b *kir.Buffer, data []float32) { m.Floats[b] = data }

// BindBytes attaches packed byte storage for a global buffer.
func (m *Memory) BindBytes(b *kir.Buffer, data []uint8) { m.Bytes[b] = data }

// Run executes the artifact over its whole launch grid. Blocks are
// independent by construction, so they execute in parallel.
func Run(art *compile.Artifact, mem *Memory) error {
	k := art.Kernel
	for _, b := range k.Params {
		want := b.NumElements()
		switch b.DType {
		case kir.Int8, kir.Uint8:
			if len(mem.Bytes[b]) != want {
				return errors.Wrapf(kir.ErrShape, "param %q: bound %d bytes, want %d", b.Name, len(mem.Bytes[b]), want)
			}
		default:
			if len(mem.Floats[b]) != want {
				return errors.Wrapf(kir.ErrShape, "param %q: bound %d elements, want %d", b.Name, len(mem.Floats[b]), want)
			}
		}
	}

	errs := make([]error, k.GridX*k.GridY)
	parallel.ForBlocks(k.GridX, k.GridY, func(bx, by int) {
		errs[by*k.GridX+bx] = runBlock(art, mem, bx, by)
	}, parallel.DefaultConfig())

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// block is the per-block execution state.
type block struct {
	art *compile.Artifact
	mem *Memory
	bx  int
	by  int

	sharedF map[*kir.Buffer][]float32
	sharedB map[*kir.Buffer][]uint8
	fragF   map[*kir.Buffer][]float32

	pending []batch
}

// batch is one issued asynchronous copy batch, applied when a wait
// resolves it.
type batch struct {
	stmt *kir.CopyStmt
	iter int
	slot int
}

func runBlock(art *compile.Artifact, mem *Memory, bx, by int) error {
	blk := &block{
		art: art, mem: mem, bx: bx, by: by,
		sharedF: make(map[*kir.Buffer][]float32),
		sharedB: make(map[*kir.Buffer][]uint8),
		fragF:   make(map[*kir.Buffer][]float32),
	}
	for _, b := range art.Kernel.Allocs {
		n := b.NumElements()
		switch b.Scope {
		case kir.Shared:
			n *= b.Stages
			if b.DType == kir.Int8 || b.DType == kir.Uint8 {
				blk.sharedB[b] = make([]uint8, n)
			} else {
				blk.sharedF[b] = make([]float32, n)
			}
		case kir.Fragment, kir.Local:
			blk.fragF[b] = make([]float32, n)
		}
	}
	return blk.execStmts(art.Kernel.Body, 0, 0)
}

func (blk *block) execStmts(stmts []kir.Stmt, iter, slot int) error {
	for _, s := range stmts {
		if err := blk.execStmt(s, iter, slot); err != nil {
			return err
		}
	}
	return nil
}

func (blk *block) execStmt(s kir.Stmt, iter, slot int) error {
	switch st := s.(type) {
	case *kir.Loop:
		if sched := blk.art.Schedules[st]; sched != nil {
			return blk.execSchedule(sched)
		}
		for i := 0; i < st.Extent; i++ {
			if err := blk.execStmts(st.Body, i, slot); err != nil {
				return err
			}
		}
		return nil
	case *kir.CopyStmt:
		return blk.execCopy(st, iter, slot)
	case *kir.GemmStmt:
		return blk.execGemm(st, iter, slot)
	case *kir.FillStmt:
		return blk.execFill(st, iter, slot)
	case *kir.EwiseStmt:
		return blk.execEwise(st, iter, slot)
	case *kir.ReduceStmt:
		return blk.execReduce(st, iter, slot)
	case *kir.DequantStmt:
		return blk.execDequant(st, iter, slot)
	case *kir.BarrierStmt, *kir.HintStmt:
		return nil
	default:
		return errors.Wrapf(kir.ErrDependency, "simulator: unsupported statement %T", s)
	}
}

// execSchedule interprets the lowered pipeline. Issue entries queue; a
// wait entry applies queued batches oldest-first until at most
// MaxOutstanding remain.
func (blk *block) execSchedule(s *schedule.Schedule) error {
	blk.pending = blk.pending[:0]
	for _, e := range s.Entries {
		switch e.Kind {
		case schedule.Issue:
			cp, ok := e.Stmt.(*kir.CopyStmt)
			if !ok {
				return errors.Wrapf(kir.ErrDependency, "simulator: issue entry carries %T", e.Stmt)
			}
			blk.pending = append(blk.pending, batch{stmt: cp, iter: e.Iter, slot: e.Slot})
		case schedule.Wait:
			for len(blk.pending) > e.MaxOutstanding {
				b := blk.pending[0]
				blk.pending = blk.pending[1:]
				if err := blk.execCopy(b.stmt, b.iter, b.slot); err != nil {
					return err
				}
			}
		case schedule.Barrier:
			// Sequential execution needs no fence.
		case schedule.Compute:
			if err := blk.execStmt(e.Stmt, e.Iter, e.Slot); err != nil {
				return err
			}
		}
	}
	if len(blk.pending) > 0 {
		return errors.Wrapf(kir.ErrDependency, "simulator: %d async batches never waited on", len(blk.pending))
	}
	return nil
}

// load reads element (er, ec) of a view. Half-precision globals round
// through float16 storage.
func (blk *block) load(v kir.View, er, ec, iter, slot int) (float32, error) {
	idx, err := blk.index(v, er, ec, iter, slot)
	if err != nil {
		return 0, err
	}
	switch v.Buf.Scope {
	case kir.Global:
		if v.Buf.DType == kir.Int8 || v.Buf.DType == kir.Uint8 {
			return float32(blk.mem.Bytes[v.Buf][idx]), nil
		}
		val := blk.mem.Floats[v.Buf][idx]
		if v.Buf.DType == kir.Float16 {
			val = float16.Fromfloat32(val).Float32()
		}
		return val, nil
	case kir.Shared:
		if data, ok := blk.sharedB[v.Buf]; ok {
			return float32(data[idx]), nil
		}
		return blk.sharedF[v.Buf][idx], nil
	default:
		return blk.fragF[v.Buf][idx], nil
	}
}

func (blk *block) store(v kir.View, er, ec, iter, slot int, val float32) error {
	idx, err := blk.index(v, er, ec, iter, slot)
	if err != nil {
		return err
	}
	switch v.Buf.Scope {
	case kir.Global:
		if v.Buf.DType == kir.Int8 || v.Buf.DType == kir.Uint8 {
			blk.mem.Bytes[v.Buf][idx] = uint8(val)
			return nil
		}
		if v.Buf.DType == kir.Float16 {
			val = float16.Fromfloat32(val).Float32()
		}
		blk.mem.Floats[v.Buf][idx] = val
		return nil
	case kir.Shared:
		if data, ok := blk.sharedB[v.Buf]; ok {
			data[idx] = uint8(val)
			return nil
		}
		blk.sharedF[v.Buf][idx] = val
		return nil
	default:
		blk.fragF[v.Buf][idx] = val
		return nil
	}
}

// loadRaw reads a packed byte without widening, for dequant unpacking.
func (blk *block) loadRaw(v kir.View, er, ec, iter, slot int) (uint8, error) {
	idx, err := blk.index(v, er, ec, iter, slot)
	if err != nil {
		return 0, err
	}
	if v.Buf.Scope == kir.Global {
		return blk.mem.Bytes[v.Buf][idx], nil
	}
	return blk.sharedB[v.Buf][idx], nil
}

// index resolves the physical element index of (er, ec) inside a view,
// applying affine origins, planned shared layouts and stage slots.
func (blk *block) index(v kir.View, er, ec, iter, slot int) (int, error) {
	row := v.Row.Eval(blk.bx, blk.by, iter) + er
	col := v.Col.Eval(blk.bx, blk.by, iter) + ec
	cols := v.Buf.Shape.Cols()
	rows := v.Buf.NumElements() / cols
	if row < 0 || row >= rows || col < 0 || col >= cols {
		return 0, errors.Wrapf(kir.ErrShape, "buffer %q: access (%d,%d) outside %dx%d", v.Buf.Name, row, col, rows, cols)
	}
	logical := row*cols + col
	if v.Buf.Scope == kir.Shared {
		if l := blk.art.Plan.Layouts[v.Buf]; l != nil {
			logical = l.Fn(logical)
		}
		if v.Buf.Stages > 1 {
			logical += slot * v.Buf.NumElements()
		}
	}
	return logical, nil
}

func (blk *block) execCopy(cp *kir.CopyStmt, iter, slot int) error {
	for er := 0; er < cp.Dst.Rows; er++ {
		for ec := 0; ec < cp.Dst.Cols; ec++ {
			if cp.Src.Buf.DType == kir.Int8 || cp.Src.Buf.DType == kir.Uint8 {
				raw, err := blk.loadRaw(cp.Src, er, ec, iter, slot)
				if err != nil {
					return err
				}
				if err := blk.store(cp.Dst, er, ec, iter, slot, float32(raw)); err != nil {
					return err
				}
				continue
			}
			val, err := blk.load(cp.Src, er, ec, iter, slot)
			if err != nil {
				return err
			}
			if err := blk.store(cp.Dst, er, ec, iter, slot, val); err != nil {
				return err
			}
		}
	}
	return nil
}

func (blk *block) execGemm(g *kir.GemmStmt, iter, slot int) error {
	m, n, kDim := g.Dims()
	for r := 0; r < m; r++ {
		for c := 0; c < n; c++ {
			acc, err := blk.load(g.Acc, r, c, iter, slot)
			if err != nil {
				return err
			}
			for kk := 0; kk < kDim; kk++ {
				ar, ac := r, kk
				if g.TransA {
					ar, ac = kk, r
				}
				br, bc := kk, c
				if g.TransB {
					br, bc = c, kk
				}
				av, err := blk.load(g.A, ar, ac, iter, slot)
				if err != nil {
					return err
				}
				bv, err := blk.load(g.B, br, bc, iter, slot)
				if err != nil {
					return err
				}
				acc += av * bv
			}
			if err := blk.store(g.Acc, r, c, iter, slot, acc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (blk *block) execFill(f *kir.FillStmt, iter, slot int) error {
	for r := 0; r < f.Dst.Rows; r++ {
		for c := 0; c < f.Dst.Cols; c++ {
			if err := blk.store(f.Dst, r, c, iter, slot, f.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (blk *block) execEwise(ew *kir.EwiseStmt, iter, slot int) error {
	for r := 0; r < ew.Dst.Rows; r++ {
		for c := 0; c < ew.Dst.Cols; c++ {
			a, err := blk.load(ew.A, r, c, iter, slot)
			if err != nil {
				return err
			}
			var out float32
			switch ew.Op {
			case kir.EwExp:
				out = exp32(a)
			case kir.EwScale:
				out = a * ew.Scalar
			default:
				bc := c
				if ew.B.Cols == 1 {
					bc = 0
				}
				b, err := blk.load(*ew.B, r, bc, iter, slot)
				if err != nil {
					return err
				}
				switch ew.Op {
				case kir.EwAdd:
					out = a + b
				case kir.EwSub:
					out = a - b
				case kir.EwMul:
					out = a * b
				case kir.EwDiv:
					out = a / b
				case kir.EwMax:
					out = max32(a, b)
				}
			}
			if err := blk.store(ew.Dst, r, c, iter, slot, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (blk *block) execReduce(rd *kir.ReduceStmt, iter, slot int) error {
	for r := 0; r < rd.Src.Rows; r++ {
		var acc float32
		if rd.Op == kir.ReduceMax {
			acc = -maxFloat32
		}
		for c := 0; c < rd.Src.Cols; c++ {
			v, err := blk.load(rd.Src, r, c, iter, slot)
			if err != nil {
				return err
			}
			if rd.Op == kir.ReduceMax {
				acc = max32(acc, v)
			} else {
				acc += v
			}
		}
		if err := blk.store(rd.Dst, r, 0, iter, slot, acc); err != nil {
			return err
		}
	}
	return nil
}

func (blk *block) execDequant(dq *kir.DequantStmt, iter, slot int) error {
	perByte := 8 / dq.Bits
	mask := uint8(1<<dq.Bits - 1)
	for r := 0; r < dq.Dst.Rows; r++ {
		for c := 0; c < dq.Dst.Cols; c++ {
			packed, err := blk.loadRaw(dq.Src, r, c/perByte, iter, slot)
			if err != nil {
				return err
			}
			code := (packed >> (uint(dq.Bits) * uint(c%perByte))) & mask
			zero, err := blk.load(dq.Zeros, 0, c, iter, slot)
			if err != nil {
				return err
			}
			scale, err := blk.load(dq.Scales, 0, c, iter, slot)
			if err != nil {
				return err
			}
			if err := blk.store(dq.Dst, r, c, iter, slot, (float32(code)-zero)*scale); err != nil {
				return err
			}
		}
	}
	return nil
}
