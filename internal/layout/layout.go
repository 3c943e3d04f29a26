// Package layout plans physical placement for shared-memory buffers: a
// per-buffer address transform that avoids bank conflicts, and a packing
// of all shared buffers into one contiguous workgroup region.
package layout

import (
	"math/bits"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loom-gpu/loom/internal/kir"
)

const (
	// Banks is the number of independently addressable shared-memory
	// banks the swizzle heuristic spreads concurrent accesses across.
	Banks = 32
	// AlignBytes is the minimum addressable transaction size; every
	// packed buffer starts on this alignment.
	AlignBytes = 16
)

// Access describes how the thread block touches a shared buffer: the
// element stride between consecutive threads' first accesses, and the
// vector width of each access. The planner derives its bank/offset split
// from this and the buffer's inner dimension.
type Access struct {
	ThreadStride int
	VectorWidth  int
}

// Layout is a bijective map from logical element indices to physical
// element offsets inside one buffer's footprint. It is a pure function
// value closed over the buffer's shape, so compilations of different
// kernels never share layout state.
type Layout struct {
	Buf      *kir.Buffer
	Fn       kir.LayoutFunc
	Spec     *kir.SwizzleSpec
	Swizzled bool
}

// Offset applies the layout to a logical (row, col) element position.
func (l *Layout) Offset(row, col int) int {
	return l.Fn(row*l.Buf.Shape.Cols() + col)
}

// PlanLayout chooses the address transform for a shared buffer. A user
// hint strictly overrides the heuristic; without one, a column-strided
// concurrent access pattern over a power-of-two inner dimension gets the
// XOR-fold swizzle, and anything else keeps the identity layout.
// The chosen function is validated as a bijection over the buffer's
// domain before it is returned.
func PlanLayout(buf *kir.Buffer, access Access, hint *kir.HintStmt) (*Layout, error) {
	if buf.Scope != kir.Shared {
		return nil, errors.Wrapf(kir.ErrScope, "buffer %q: layouts are planned for shared buffers, not %s", buf.Name, buf.Scope)
	}
	n := buf.NumElements()

	if hint != nil {
		fn := hint.Fn
		if fn == nil && hint.Spec != nil {
			fn = hint.Spec.Fn()
		}
		if fn == nil {
			return nil, errors.Wrapf(kir.ErrLayout, "buffer %q: hint carries no layout function", buf.Name)
		}
		if err := validateBijection(buf.Name, fn, n); err != nil {
			return nil, err
		}
		return &Layout{Buf: buf, Fn: fn, Spec: hint.Spec, Swizzled: true}, nil
	}

	cols := buf.Shape.Cols()
	if conflictProne(access, cols) && isPow2(cols) {
		spec := xorFoldSpec(cols)
		fn := spec.Fn()
		if err := validateBijection(buf.Name, fn, n); err != nil {
			return nil, err
		}
		klog.V(2).Infof("layout: buffer %q gets xor-fold swizzle (cols=%d, stride=%d)", buf.Name, cols, access.ThreadStride)
		return &Layout{Buf: buf, Fn: fn, Spec: &spec, Swizzled: true}, nil
	}

	return &Layout{Buf: buf, Fn: Identity(), Swizzled: false}, nil
}

// Identity returns the trivial layout function.
func Identity() kir.LayoutFunc {
	return func(index int) int { return index }
}

// xorFoldSpec folds the high bits of the row index into the column
// (bank) component: threads reading the same column of consecutive rows
// in the same cycle land in different banks. XOR with a per-row constant
// permutes each row's columns, so the transform stays a bijection.
func xorFoldSpec(cols int) kir.SwizzleSpec {
	mask := cols - 1
	if cols > Banks {
		mask = Banks - 1
	}
	return kir.SwizzleSpec{ColBits: bits.TrailingZeros(uint(cols)), Mask: mask}
}

// conflictProne reports whether consecutive threads hit the same bank:
// a thread stride that is a multiple of the inner dimension means every
// thread reads the same column of a different row.
func conflictProne(access Access, cols int) bool {
	return access.ThreadStride > 0 && access.ThreadStride%cols == 0
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

// validateBijection checks that fn maps [0, n) onto [0, n) with no
// collisions and no out-of-domain offsets, so the transform can never
// alias elements or grow the buffer's declared footprint.
func validateBijection(name string, fn kir.LayoutFunc, n int) error {
	seen := make([]int, n)
	for i := range seen {
		seen[i] = -1
	}
	for i := 0; i < n; i++ {
		off := fn(i)
		if off < 0 || off >= n {
			return errors.Wrapf(kir.ErrLayout, "buffer %q: index %d maps outside footprint (offset %d, domain %d)", name, i, off, n)
		}
		if prev := seen[off]; prev >= 0 {
			return errors.Wrapf(kir.ErrLayout, "buffer %q: indices %d and %d both map to offset %d", name, prev, i, off)
		}
		seen[off] = i
	}
	return nil
}
