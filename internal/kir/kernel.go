package kir

import "github.com/pkg/errors"

// Kernel is one tile program: global parameters, kernel-owned buffer
// allocations, a launch geometry, and an annotated statement body. All
// lowering entities derived from it live for a single compilation pass
// and are discarded at emission time.
type Kernel struct {
	Name    string
	GridX   int
	GridY   int
	Threads int

	Params []*Buffer
	Allocs []*Buffer
	Body   []Stmt

	// RasterGroup swizzles the (blockX, blockY) launch grid in groups of
	// this many columns for L2 locality. 0 leaves the grid in row-major
	// launch order. Must divide GridX so the remap stays a permutation
	// of the launch grid.
	RasterGroup int
}

// NewKernel creates an empty kernel with the given launch geometry.
func NewKernel(name string, gridX, gridY, threads int) *Kernel {
	return &Kernel{Name: name, GridX: gridX, GridY: gridY, Threads: threads}
}

// Param declares a caller-owned global buffer and registers it with the
// kernel.
func (k *Kernel) Param(name string, shape Shape, dtype DataType) (*Buffer, error) {
	b, err := NewParam(name, shape, dtype)
	if err != nil {
		return nil, err
	}
	k.Params = append(k.Params, b)
	return b, nil
}

// Alloc allocates a kernel-owned buffer. Requesting Global scope fails
// with ErrScope; global buffers come in through Param.
func (k *Kernel) Alloc(name string, shape Shape, dtype DataType, scope Scope) (*Buffer, error) {
	b, err := NewBuffer(name, shape, dtype, scope)
	if err != nil {
		return nil, err
	}
	k.Allocs = append(k.Allocs, b)
	return b, nil
}

// SharedBuffers returns the kernel's shared-scope allocations.
func (k *Kernel) SharedBuffers() []*Buffer {
	var out []*Buffer
	for _, b := range k.Allocs {
		if b.Scope == Shared {
			out = append(out, b)
		}
	}
	return out
}

// Hints collects layout hint directives from the kernel body, later
// directives overriding earlier ones for the same buffer.
func (k *Kernel) Hints() map[*Buffer]*HintStmt {
	hints := make(map[*Buffer]*HintStmt)
	var walk func(stmts []Stmt)
	walk = func(stmts []Stmt) {
		for _, s := range stmts {
			switch st := s.(type) {
			case *HintStmt:
				hints[st.Buf] = st
			case *Loop:
				walk(st.Body)
			}
		}
	}
	walk(k.Body)
	return hints
}

// Validate checks launch geometry, loop annotations and every statement's
// shape constraints. The first failure aborts compilation.
func (k *Kernel) Validate() error {
	if k.GridX < 1 || k.GridY < 1 {
		return errors.Wrapf(ErrShape, "kernel %q: grid %dx%d must be positive", k.Name, k.GridX, k.GridY)
	}
	if k.Threads < 1 {
		return errors.Wrapf(ErrShape, "kernel %q: thread count %d must be positive", k.Name, k.Threads)
	}
	if k.RasterGroup > 0 && k.GridX%k.RasterGroup != 0 {
		return errors.Wrapf(ErrShape, "kernel %q: raster group %d must divide grid width %d", k.Name, k.RasterGroup, k.GridX)
	}
	owned := make(map[*Buffer]bool, len(k.Params)+len(k.Allocs))
	for _, b := range k.Params {
		owned[b] = true
	}
	for _, b := range k.Allocs {
		owned[b] = true
	}
	return k.validateStmts(k.Body, owned)
}

func (k *Kernel) validateStmts(stmts []Stmt, owned map[*Buffer]bool) error {
	for _, s := range stmts {
		for _, v := range stmtViews(s) {
			if v.Buf != nil && !owned[v.Buf] {
				return errors.Wrapf(ErrDependency, "kernel %q: statement references unregistered buffer %q", k.Name, v.Buf.Name)
			}
		}
		switch st := s.(type) {
		case *Loop:
			if err := st.Validate(); err != nil {
				return errors.Wrapf(err, "kernel %q", k.Name)
			}
			if err := k.validateStmts(st.Body, owned); err != nil {
				return err
			}
		case *CopyStmt:
			if err := st.Validate(); err != nil {
				return errors.Wrapf(err, "kernel %q", k.Name)
			}
		case *GemmStmt:
			if err := st.Validate(); err != nil {
				return errors.Wrapf(err, "kernel %q", k.Name)
			}
		case *EwiseStmt:
			if err := st.Validate(); err != nil {
				return errors.Wrapf(err, "kernel %q", k.Name)
			}
		case *ReduceStmt:
			if err := st.Validate(); err != nil {
				return errors.Wrapf(err, "kernel %q", k.Name)
			}
		case *DequantStmt:
			if err := st.Validate(); err != nil {
				return errors.Wrapf(err, "kernel %q", k.Name)
			}
		}
	}
	return nil
}

// stmtViews lists every buffer view a statement touches.
func stmtViews(s Stmt) []View {
	switch st := s.(type) {
	case *CopyStmt:
		return []View{st.Src, st.Dst}
	case *GemmStmt:
		return []View{st.A, st.B, st.Acc}
	case *FillStmt:
		return []View{st.Dst}
	case *EwiseStmt:
		views := []View{st.A, st.Dst}
		if st.B != nil {
			views = append(views, *st.B)
		}
		return views
	case *ReduceStmt:
		return []View{st.Src, st.Dst}
	case *DequantStmt:
		return []View{st.Src, st.Scales, st.Zeros, st.Dst}
	case *HintStmt:
		return []View{{Buf: st.Buf, Rows: 1, Cols: 1}}
	}
	return nil
}

// Views exposes the buffer views touched by a statement, in operand
// order. Used by the dependency builder and the simulator.
func Views(s Stmt) []View { return stmtViews(s) }

// Reads lists the views a statement reads; Writes lists the views it
// writes. The split drives producer/consumer dependency tracking.
func Reads(s Stmt) []View {
	switch st := s.(type) {
	case *CopyStmt:
		return []View{st.Src}
	case *GemmStmt:
		return []View{st.A, st.B, st.Acc}
	case *EwiseStmt:
		views := []View{st.A}
		if st.B != nil {
			views = append(views, *st.B)
		}
		return views
	case *ReduceStmt:
		return []View{st.Src}
	case *DequantStmt:
		return []View{st.Src, st.Scales, st.Zeros}
	}
	return nil
}

// Writes lists the views a statement writes.
func Writes(s Stmt) []View {
	switch st := s.(type) {
	case *CopyStmt:
		return []View{st.Dst}
	case *GemmStmt:
		return []View{st.Acc}
	case *FillStmt:
		return []View{st.Dst}
	case *EwiseStmt:
		return []View{st.Dst}
	case *ReduceStmt:
		return []View{st.Dst}
	case *DequantStmt:
		return []View{st.Dst}
	}
	return nil
}
