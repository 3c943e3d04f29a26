// Package emit serializes compiled schedules into WGSL compute-shader
// source. It is a direct, order-preserving rendering: barriers land
// exactly where the schedule put them, asynchronous waits degrade to
// comments on this synchronous target, and no scheduling decisions are
// made here.
package emit

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/loom-gpu/loom/internal/bind"
	"github.com/loom-gpu/loom/internal/kir"
	"github.com/loom-gpu/loom/internal/layout"
	"github.com/loom-gpu/loom/internal/schedule"
)

// unrollLimit is the largest statically-known trip count that gets
// textually unrolled instead of rendered as a loop.
const unrollLimit = 8

// Program bundles everything the emitter needs: the kernel, the shared
// memory plan, the schedule for each pipelined loop, and the thread
// bindings resolved for fragment buffers and cooperative copies.
type Program struct {
	Kernel       *kir.Kernel
	Plan         *layout.Plan
	Schedules    map[*kir.Loop]*schedule.Schedule
	FragBindings map[*kir.Buffer]*bind.Binding
	CopyBindings map[*kir.CopyStmt]*bind.Binding
}

// WGSL renders the program as a single compute shader entry point.
func WGSL(p *Program) (string, error) {
	e := &emitter{p: p}
	if err := e.run(); err != nil {
		return "", err
	}
	return e.b.String(), nil
}

type emitter struct {
	p      *Program
	b      strings.Builder
	indent int
}

func (e *emitter) linef(format string, args ...any) {
	e.b.WriteString(strings.Repeat("    ", e.indent))
	fmt.Fprintf(&e.b, format, args...)
	e.b.WriteByte('\n')
}

func (e *emitter) run() error {
	k := e.p.Kernel
	e.linef("// kernel %q: grid %dx%d, %d threads per block", k.Name, k.GridX, k.GridY, k.Threads)

	for i, b := range k.Params {
		e.linef("@group(0) @binding(%d) var<storage, read_write> %s: array<%s>;", i, b.Name, wgslType(b.DType))
	}
	e.linef("")
	for _, b := range k.SharedBuffers() {
		e.linef("var<workgroup> %s: array<%s, %d>; // %d stage slot(s)",
			b.Name, wgslType(b.DType), b.Stages*b.NumElements(), b.Stages)
	}
	e.linef("")
	e.linef("@compute @workgroup_size(%d)", k.Threads)
	e.linef("fn main(@builtin(workgroup_id) wgid: vec3<u32>, @builtin(local_invocation_id) lid: vec3<u32>) {")
	e.indent++
	e.linef("let tid = lid.x;")
	e.linef("let warp = tid / %du;", bind.WarpSize)
	e.linef("let lane = tid %% %du;", bind.WarpSize)
	e.emitRaster()

	for _, b := range k.Allocs {
		switch b.Scope {
		case kir.Fragment:
			bd := e.p.FragBindings[b]
			if bd == nil {
				return errors.Wrapf(kir.ErrCoverage, "buffer %q: fragment buffer has no thread binding", b.Name)
			}
			e.linef("var %s: array<%s, %d>;", b.Name, wgslType(b.DType), bd.PerThread)
		case kir.Local:
			e.linef("var %s: array<%s, %d>;", b.Name, wgslType(b.DType), b.NumElements())
		}
	}
	e.linef("")

	if err := e.emitStmts(k.Body, iterRef{}, true); err != nil {
		return err
	}

	e.indent--
	e.linef("}")
	return nil
}

// emitRaster computes the logical block coordinates. With a raster hint
// the row-major launch index is regrouped so consecutive blocks share
// output rows, otherwise the launch grid is used directly.
func (e *emitter) emitRaster() {
	k := e.p.Kernel
	if k.RasterGroup <= 0 {
		e.linef("let bx = wgid.x;")
		e.linef("let by = wgid.y;")
		return
	}
	g := k.RasterGroup
	e.linef("// rasterization hint: remap launch order in groups of %d block columns", g)
	e.linef("let linear = wgid.y * %du + wgid.x;", k.GridX)
	e.linef("let group = linear / %du;", g*k.GridY)
	e.linef("let rem = linear %% %du;", g*k.GridY)
	e.linef("let bx = group * %du + rem %% %du;", g, g)
	e.linef("let by = rem / %du;", g)
}

// iterRef names the loop iteration an address is evaluated at: either a
// concrete unrolled index or a symbolic loop variable.
type iterRef struct {
	sym string
	val int
}

func (ir iterRef) concrete() bool { return ir.sym == "" }

// emitStmts renders a statement list. Pipelined loops at the top level
// come pre-lowered in Schedules; everything else is rendered in place.
func (e *emitter) emitStmts(stmts []kir.Stmt, iter iterRef, topLevel bool) error {
	for _, s := range stmts {
		if err := e.emitStmt(s, iter, 0, topLevel); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) emitStmt(s kir.Stmt, iter iterRef, slot int, topLevel bool) error {
	switch st := s.(type) {
	case *kir.Loop:
		if sched := e.p.Schedules[st]; sched != nil {
			return e.emitSchedule(sched)
		}
		return e.emitSerialLoop(st, slot)
	case *kir.CopyStmt:
		return e.emitCopy(st, iter, slot)
	case *kir.GemmStmt:
		return e.emitGemm(st, iter, slot)
	case *kir.FillStmt:
		e.emitFill(st, iter, slot)
		return nil
	case *kir.EwiseStmt:
		return e.emitEwise(st, iter, slot)
	case *kir.ReduceStmt:
		return e.emitReduce(st, iter, slot)
	case *kir.DequantStmt:
		return e.emitDequant(st, iter, slot)
	case *kir.BarrierStmt:
		e.linef("workgroupBarrier();")
		return nil
	case *kir.HintStmt:
		return nil // consumed by the layout planner
	default:
		return errors.Wrapf(kir.ErrDependency, "emitter: unsupported statement %T", s)
	}
}

// emitSchedule renders a lowered pipelined loop entry by entry.
func (e *emitter) emitSchedule(s *schedule.Schedule) error {
	e.linef("// %d-stage pipeline over %d iterations (prologue %d, steady %d, epilogue %d)",
		s.Stages, s.Loop.Extent, s.PrologueIters, s.SteadyIters, s.EpilogueIters)
	for _, entry := range s.Entries {
		switch entry.Kind {
		case schedule.Issue:
			e.linef("// [%s] issue iter %d -> slot %d", entry.Phase, entry.Iter, entry.Slot)
			if err := e.emitStmt(entry.Stmt, iterRef{val: entry.Iter}, entry.Slot, false); err != nil {
				return err
			}
		case schedule.Wait:
			e.linef("// [%s] wait until <= %d async batches outstanding (synchronous target: no-op)",
				entry.Phase, entry.MaxOutstanding)
		case schedule.Barrier:
			e.linef("workgroupBarrier();")
		case schedule.Compute:
			if err := e.emitStmt(entry.Stmt, iterRef{val: entry.Iter}, entry.Slot, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitSerialLoop unrolls statically-known serial loops up to the unroll
// limit and renders a plain loop otherwise.
func (e *emitter) emitSerialLoop(l *kir.Loop, slot int) error {
	if l.Extent <= unrollLimit {
		e.linef("// serial loop x%d, unrolled", l.Extent)
		for i := 0; i < l.Extent; i++ {
			for _, s := range l.Body {
				if err := e.emitStmt(s, iterRef{val: i}, slot, false); err != nil {
					return err
				}
			}
		}
		return nil
	}
	v := fmt.Sprintf("i%d", e.indent)
	e.linef("for (var %s: u32 = 0u; %s < %du; %s = %s + 1u) {", v, v, l.Extent, v, v)
	e.indent++
	for _, s := range l.Body {
		if err := e.emitStmt(s, iterRef{sym: v}, slot, false); err != nil {
			return err
		}
	}
	e.indent--
	e.linef("}")
	return nil
}

// coordExpr renders an affine origin at the given block/iteration point.
func coordExpr(c kir.Coord, iter iterRef) string {
	konst := c.Const
	if iter.concrete() {
		konst += c.Iter * iter.val
	}
	terms := []string{fmt.Sprintf("%du", konst)}
	if c.BlockX != 0 {
		terms = append(terms, fmt.Sprintf("%du * bx", c.BlockX))
	}
	if c.BlockY != 0 {
		terms = append(terms, fmt.Sprintf("%du * by", c.BlockY))
	}
	if !iter.concrete() && c.Iter != 0 {
		terms = append(terms, fmt.Sprintf("%du * %s", c.Iter, iter.sym))
	}
	if len(terms) == 1 {
		return terms[0]
	}
	return "(" + strings.Join(terms, " + ") + ")"
}

// addr renders the physical element address of (rowExpr, colExpr) inside
// a view, applying the buffer's layout and stage slot for shared
// buffers.
func (e *emitter) addr(v kir.View, rowExpr, colExpr string, iter iterRef, slot int) string {
	r := fmt.Sprintf("(%s + %s)", coordExpr(v.Row, iter), rowExpr)
	c := fmt.Sprintf("(%s + %s)", coordExpr(v.Col, iter), colExpr)
	switch v.Buf.Scope {
	case kir.Global:
		return fmt.Sprintf("%s * %du + %s", r, v.Buf.Shape.Cols(), c)
	case kir.Shared:
		base := 0
		if v.Buf.Stages > 1 {
			base = slot * v.Buf.NumElements()
		}
		phys := e.sharedPhys(v.Buf, r, c)
		if base == 0 {
			return phys
		}
		return fmt.Sprintf("%du + %s", base, phys)
	default:
		// Fragment/local addressing is ownership-relative and handled by
		// the callers that iterate owned elements.
		return fmt.Sprintf("%s * %du + %s", r, v.Buf.Shape.Cols(), c)
	}
}

// sharedPhys applies the planned layout. Layouts carrying a symbolic
// swizzle spec are rendered as shift/xor/mask arithmetic; opaque hint
// functions fall back to identity addressing, which stays correct
// because reads and writes agree.
func (e *emitter) sharedPhys(b *kir.Buffer, r, c string) string {
	l := e.p.Plan.Layouts[b]
	if l != nil && l.Spec != nil {
		return fmt.Sprintf("(%s << %du) | (%s ^ (%s & %du))", r, l.Spec.ColBits, c, r, l.Spec.Mask)
	}
	return fmt.Sprintf("%s * %du + %s", r, b.Shape.Cols(), c)
}

// ownedLoop emits the per-thread iteration over a fragment binding's
// owned (row, col, localIndex) triples and calls body with the variable
// names in scope.
func (e *emitter) ownedLoop(bd *bind.Binding, body func(r, c, l string)) {
	rows, cols := bd.Extents.Rows(), bd.Extents.Cols()
	switch bd.Policy {
	case bind.RowPerWarp:
		warps := bd.Threads / bind.WarpSize
		rowsPer := rows / warps
		colsPer := cols / bind.WarpSize
		e.linef("for (var rr: u32 = 0u; rr < %du; rr = rr + 1u) {", rowsPer)
		e.indent++
		e.linef("let r = rr * %du + warp;", warps)
		e.linef("for (var cc: u32 = 0u; cc < %du; cc = cc + 1u) {", colsPer)
		e.indent++
		e.linef("let c = cc * %du + lane;", bind.WarpSize)
		e.linef("let l = rr * %du + cc;", colsPer)
		body("r", "c", "l")
		e.indent--
		e.linef("}")
		e.indent--
		e.linef("}")
	default:
		e.linef("for (var l: u32 = 0u; l < %du; l = l + 1u) {", bd.PerThread)
		e.indent++
		e.linef("let idx = tid * %du + l;", bd.PerThread)
		e.linef("let r = idx / %du;", cols)
		e.linef("let c = idx %% %du;", cols)
		body("r", "c", "l")
		e.indent--
		e.linef("}")
	}
}

// flatLoop emits a guarded flat per-thread loop over total elements.
func (e *emitter) flatLoop(total int, body func(idx string)) {
	threads := e.p.Kernel.Threads
	per := (total + threads - 1) / threads
	if per == 1 {
		e.linef("if (tid < %du) {", total)
		e.indent++
		body("tid")
		e.indent--
		e.linef("}")
		return
	}
	e.linef("for (var l: u32 = 0u; l < %du; l = l + 1u) {", per)
	e.indent++
	e.linef("let idx = tid * %du + l;", per)
	e.linef("if (idx < %du) {", total)
	e.indent++
	body("idx")
	e.indent--
	e.linef("}")
	e.indent--
	e.linef("}")
}

func (e *emitter) emitCopy(cp *kir.CopyStmt, iter iterRef, slot int) error {
	src, dst := cp.Src, cp.Dst
	srcFrag := src.Buf.Scope == kir.Fragment || src.Buf.Scope == kir.Local
	dstFrag := dst.Buf.Scope == kir.Fragment || dst.Buf.Scope == kir.Local

	switch {
	case dstFrag || srcFrag:
		fb := dst.Buf
		if srcFrag {
			fb = src.Buf
		}
		bd := e.p.FragBindings[fb]
		if bd == nil {
			return errors.Wrapf(kir.ErrCoverage, "buffer %q: fragment copy has no thread binding", fb.Name)
		}
		e.ownedLoop(bd, func(r, c, l string) {
			if dstFrag {
				e.linef("%s[%s] = %s[%s];", dst.Buf.Name, l, src.Buf.Name, e.addr(src, r, c, iter, slot))
			} else {
				e.linef("%s[%s] = %s[%s];", dst.Buf.Name, e.addr(dst, r, c, iter, slot), src.Buf.Name, l)
			}
		})
	default:
		// Cooperative copy: the block partitions the tile evenly when a
		// binding was resolved, and falls back to a guarded flat split
		// for tiles smaller than the block.
		if bd := e.p.CopyBindings[cp]; bd != nil {
			e.ownedLoop(bd, func(r, c, l string) {
				e.linef("%s[%s] = %s[%s];", dst.Buf.Name, e.addr(dst, r, c, iter, slot), src.Buf.Name, e.addr(src, r, c, iter, slot))
			})
			return nil
		}
		cols := dst.Cols
		e.flatLoop(dst.Rows*dst.Cols, func(idx string) {
			r := fmt.Sprintf("(%s / %du)", idx, cols)
			c := fmt.Sprintf("(%s %% %du)", idx, cols)
			e.linef("%s[%s] = %s[%s];", dst.Buf.Name, e.addr(dst, r, c, iter, slot), src.Buf.Name, e.addr(src, r, c, iter, slot))
		})
	}
	return nil
}

func (e *emitter) emitGemm(g *kir.GemmStmt, iter iterRef, slot int) error {
	_, n, kDim := g.Dims()
	inner := func(r, c, accRef string) {
		e.linef("var sum: %s = %s;", wgslType(g.Acc.Buf.DType), accRef)
		e.linef("for (var kk: u32 = 0u; kk < %du; kk = kk + 1u) {", kDim)
		e.indent++
		aAddr := e.addr(g.A, r, "kk", iter, slot)
		if g.TransA {
			aAddr = e.addr(g.A, "kk", r, iter, slot)
		}
		bAddr := e.addr(g.B, "kk", c, iter, slot)
		if g.TransB {
			bAddr = e.addr(g.B, c, "kk", iter, slot)
		}
		e.linef("sum = sum + %s[%s] * %s[%s];", g.A.Buf.Name, aAddr, g.B.Buf.Name, bAddr)
		e.indent--
		e.linef("}")
		e.linef("%s = sum;", accRef)
	}

	if g.Acc.Buf.Scope == kir.Fragment {
		bd := e.p.FragBindings[g.Acc.Buf]
		if bd == nil {
			return errors.Wrapf(kir.ErrCoverage, "gemm accumulator %q has no thread binding", g.Acc.Buf.Name)
		}
		e.ownedLoop(bd, func(r, c, l string) {
			inner(r, c, fmt.Sprintf("%s[%s]", g.Acc.Buf.Name, l))
		})
		return nil
	}

	// Shared accumulator: each output element is owned by one thread of
	// a guarded flat split, so the accumulate is race-free.
	m, _, _ := g.Dims()
	e.flatLoop(m*n, func(idx string) {
		r := fmt.Sprintf("(%s / %du)", idx, n)
		c := fmt.Sprintf("(%s %% %du)", idx, n)
		inner(r, c, fmt.Sprintf("%s[%s]", g.Acc.Buf.Name, e.addr(g.Acc, r, c, iter, slot)))
	})
	return nil
}

func (e *emitter) emitFill(f *kir.FillStmt, iter iterRef, slot int) {
	b := f.Dst.Buf
	if b.Scope == kir.Fragment || b.Scope == kir.Local {
		if bd := e.p.FragBindings[b]; bd != nil {
			e.linef("for (var l: u32 = 0u; l < %du; l = l + 1u) { %s[l] = %s; }",
				bd.PerThread, b.Name, wgslConst(b.DType, f.Value))
			return
		}
		e.linef("for (var l: u32 = 0u; l < %du; l = l + 1u) { %s[l] = %s; }",
			b.NumElements(), b.Name, wgslConst(b.DType, f.Value))
		return
	}
	total := f.Dst.Rows * f.Dst.Cols
	cols := f.Dst.Cols
	e.flatLoop(total, func(idx string) {
		r := fmt.Sprintf("(%s / %du)", idx, cols)
		c := fmt.Sprintf("(%s %% %du)", idx, cols)
		e.linef("%s[%s] = %s;", b.Name, e.addr(f.Dst, r, c, iter, slot), wgslConst(b.DType, f.Value))
	})
}

func (e *emitter) emitEwise(ew *kir.EwiseStmt, iter iterRef, slot int) error {
	total := ew.Dst.Rows * ew.Dst.Cols
	cols := ew.Dst.Cols
	e.flatLoop(total, func(idx string) {
		r := fmt.Sprintf("(%s / %du)", idx, cols)
		c := fmt.Sprintf("(%s %% %du)", idx, cols)
		a := fmt.Sprintf("%s[%s]", ew.A.Buf.Name, e.addr(ew.A, r, c, iter, slot))
		var rhs string
		switch ew.Op {
		case kir.EwExp:
			rhs = fmt.Sprintf("exp(%s)", a)
		case kir.EwScale:
			rhs = fmt.Sprintf("%s * %s", a, wgslConst(ew.Dst.Buf.DType, ew.Scalar))
		default:
			bCol := c
			if ew.B.Cols == 1 {
				bCol = "0u"
			}
			bOp := fmt.Sprintf("%s[%s]", ew.B.Buf.Name, e.addr(*ew.B, r, bCol, iter, slot))
			switch ew.Op {
			case kir.EwAdd:
				rhs = fmt.Sprintf("%s + %s", a, bOp)
			case kir.EwSub:
				rhs = fmt.Sprintf("%s - %s", a, bOp)
			case kir.EwMul:
				rhs = fmt.Sprintf("%s * %s", a, bOp)
			case kir.EwDiv:
				rhs = fmt.Sprintf("%s / %s", a, bOp)
			case kir.EwMax:
				rhs = fmt.Sprintf("max(%s, %s)", a, bOp)
			}
		}
		e.linef("%s[%s] = %s;", ew.Dst.Buf.Name, e.addr(ew.Dst, r, c, iter, slot), rhs)
	})
	return nil
}

func (e *emitter) emitReduce(rd *kir.ReduceStmt, iter iterRef, slot int) error {
	rows, cols := rd.Src.Rows, rd.Src.Cols
	init := "0.0"
	if rd.Op == kir.ReduceMax {
		init = "-3.402823e38"
	}
	e.linef("if (tid < %du) {", rows)
	e.indent++
	e.linef("var red: %s = %s;", wgslType(rd.Dst.Buf.DType), init)
	e.linef("for (var c: u32 = 0u; c < %du; c = c + 1u) {", cols)
	e.indent++
	src := fmt.Sprintf("%s[%s]", rd.Src.Buf.Name, e.addr(rd.Src, "tid", "c", iter, slot))
	if rd.Op == kir.ReduceMax {
		e.linef("red = max(red, %s);", src)
	} else {
		e.linef("red = red + %s;", src)
	}
	e.indent--
	e.linef("}")
	e.linef("%s[%s] = red;", rd.Dst.Buf.Name, e.addr(rd.Dst, "tid", "0u", iter, slot))
	e.indent--
	e.linef("}")
	return nil
}

func (e *emitter) emitDequant(dq *kir.DequantStmt, iter iterRef, slot int) error {
	perByte := 8 / dq.Bits
	mask := (1 << dq.Bits) - 1
	total := dq.Dst.Rows * dq.Dst.Cols
	cols := dq.Dst.Cols
	e.flatLoop(total, func(idx string) {
		r := fmt.Sprintf("(%s / %du)", idx, cols)
		c := fmt.Sprintf("(%s %% %du)", idx, cols)
		e.linef("let packed = %s[%s];", dq.Src.Buf.Name, e.addr(dq.Src, r, fmt.Sprintf("(%s / %du)", c, perByte), iter, slot))
		e.linef("let code = (u32(packed) >> (%du * (%s %% %du))) & %du;", dq.Bits, c, perByte, mask)
		e.linef("%s[%s] = (f32(code) - %s[%s]) * %s[%s];",
			dq.Dst.Buf.Name, e.addr(dq.Dst, r, c, iter, slot),
			dq.Zeros.Buf.Name, e.addr(dq.Zeros, "0u", c, iter, slot),
			dq.Scales.Buf.Name, e.addr(dq.Scales, "0u", c, iter, slot))
	})
	return nil
}

// wgslType maps an element type to its WGSL storage type. Half precision
// is staged as f32 on this target; the host converts at the boundary.
func wgslType(dt kir.DataType) string {
	switch dt {
	case kir.Int32:
		return "i32"
	case kir.Int8, kir.Uint8:
		return "u32"
	default:
		return "f32"
	}
}

func wgslConst(dt kir.DataType, v float32) string {
	switch dt {
	case kir.Int32:
		return fmt.Sprintf("%d", int32(v))
	case kir.Int8, kir.Uint8:
		return fmt.Sprintf("%du", uint32(v))
	default:
		return fmt.Sprintf("%g", v)
	}
}
