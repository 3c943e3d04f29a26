// Package bind maps element-wise parallel iteration spaces onto the
// fixed thread grid of a block: which thread owns which elements, and at
// what vector width they are accessed. The chosen partition is validated
// to cover the space exactly once, which is what makes the disjointness
// of global write regions a compile-time guarantee.
package bind

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loom-gpu/loom/internal/kir"
)

const (
	// WarpSize is the number of threads cooperating in one warp-level
	// compute primitive.
	WarpSize = 32
	// maxVectorBytes caps a single vectorized access at the transaction
	// width.
	maxVectorBytes = 16
)

// Policy selects the work partition rule.
type Policy int

const (
	// RowMajor evenly splits the flattened iteration space across
	// threads in row-major order. This is the default.
	RowMajor Policy = iota
	// RowPerWarp assigns whole output rows to a warp, matching the
	// operand layout the warp-level compute primitive expects.
	RowPerWarp
)

// String returns a human-readable name for the policy.
func (p Policy) String() string {
	switch p {
	case RowMajor:
		return "row-major"
	case RowPerWarp:
		return "row-per-warp"
	default:
		return "unknown"
	}
}

// Binding is the resolved element-to-thread mapping for one parallel
// loop nest.
type Binding struct {
	Extents     kir.Shape
	Threads     int
	Policy      Policy
	VectorWidth int
	PerThread   int
}

// BindParallel partitions the iteration space given by extents across
// threadCount threads. elemSize is the element byte size, used to bound
// the vector width at the transaction size. The returned binding has
// been validated: every element maps to exactly one (thread, lane) pair,
// with no gaps and no overlap, or the call fails with ErrCoverage.
func BindParallel(extents kir.Shape, threadCount, elemSize int, policy Policy) (*Binding, error) {
	if err := extents.Validate(); err != nil {
		return nil, err
	}
	if threadCount < 1 {
		return nil, errors.Wrapf(kir.ErrCoverage, "binding %v: thread count %d must be positive", extents, threadCount)
	}
	total := extents.NumElements()

	b := &Binding{Extents: extents.Clone(), Threads: threadCount, Policy: policy}
	switch policy {
	case RowMajor:
		if total%threadCount != 0 {
			return nil, errors.Wrapf(kir.ErrCoverage, "binding %v: %d elements do not partition evenly across %d threads", extents, total, threadCount)
		}
		b.PerThread = total / threadCount
	case RowPerWarp:
		if threadCount%WarpSize != 0 {
			return nil, errors.Wrapf(kir.ErrCoverage, "binding %v: row-per-warp needs a multiple of %d threads, got %d", extents, WarpSize, threadCount)
		}
		warps := threadCount / WarpSize
		rows := extents.Rows()
		if rows%warps != 0 {
			return nil, errors.Wrapf(kir.ErrCoverage, "binding %v: %d rows do not partition evenly across %d warps", extents, rows, warps)
		}
		if extents.Cols()%WarpSize != 0 {
			return nil, errors.Wrapf(kir.ErrCoverage, "binding %v: %d columns do not partition evenly across %d lanes", extents, extents.Cols(), WarpSize)
		}
		b.PerThread = total / threadCount
	default:
		return nil, errors.Wrapf(kir.ErrCoverage, "binding %v: unknown policy %d", extents, policy)
	}

	b.VectorWidth = widestVector(b.PerThread, extents.Cols(), elemSize)
	if err := b.validate(); err != nil {
		return nil, err
	}
	klog.V(2).Infof("bind: %v across %d threads, policy=%s, vector=%d, per-thread=%d",
		extents, threadCount, policy, b.VectorWidth, b.PerThread)
	return b, nil
}

// Assign returns the (thread, lane) pair owning a flattened element
// index. Lane is the element's position within its vectorized access.
func (b *Binding) Assign(element int) (thread, lane int) {
	switch b.Policy {
	case RowPerWarp:
		cols := b.Extents.Cols()
		row := element / cols
		col := element % cols
		warps := b.Threads / WarpSize
		warp := row % warps
		laneInWarp := col % WarpSize
		return warp*WarpSize + laneInWarp, col / WarpSize % b.VectorWidth
	default:
		thread = element / b.PerThread
		return thread, (element % b.PerThread) % b.VectorWidth
	}
}

// widestVector picks the largest width that divides the per-thread
// element count, keeps rows contiguous, and fits the transaction size.
func widestVector(perThread, cols, elemSize int) int {
	for _, w := range []int{8, 4, 2, 1} {
		if w*elemSize > maxVectorBytes {
			continue
		}
		if perThread%w == 0 && cols%w == 0 {
			return w
		}
	}
	return 1
}

// validate exhaustively checks that the mapping covers the iteration
// space exactly once: each element lands on a valid thread, and each
// thread receives exactly PerThread elements.
func (b *Binding) validate() error {
	total := b.Extents.NumElements()
	counts := make([]int, b.Threads)
	for e := 0; e < total; e++ {
		t, lane := b.Assign(e)
		if t < 0 || t >= b.Threads {
			return errors.Wrapf(kir.ErrCoverage, "binding %v: element %d maps to thread %d outside [0,%d)", b.Extents, e, t, b.Threads)
		}
		if lane < 0 || lane >= b.VectorWidth {
			return errors.Wrapf(kir.ErrCoverage, "binding %v: element %d maps to lane %d outside [0,%d)", b.Extents, e, lane, b.VectorWidth)
		}
		counts[t]++
	}
	for t, c := range counts {
		if c != b.PerThread {
			return errors.Wrapf(kir.ErrCoverage, "binding %v: thread %d owns %d elements, want %d", b.Extents, t, c, b.PerThread)
		}
	}
	return nil
}
