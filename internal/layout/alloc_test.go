package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-gpu/loom/internal/kir"
)

// pipelineKernel builds a kernel staging two operand tiles through a
// pipelined loop with the given overlap depth.
func pipelineKernel(t *testing.T, stages int) (*kir.Kernel, *kir.Buffer, *kir.Buffer) {
	t.Helper()
	k := kir.NewKernel("k", 1, 1, 64)
	a, err := k.Param("a", kir.Shape{64, 64}, kir.Float32)
	require.NoError(t, err)
	bb, err := k.Param("b", kir.Shape{64, 64}, kir.Float32)
	require.NoError(t, err)
	c, err := k.Param("c", kir.Shape{32, 32}, kir.Float32)
	require.NoError(t, err)

	as, err := k.Alloc("as", kir.Shape{32, 16}, kir.Float32, kir.Shared)
	require.NoError(t, err)
	bs, err := k.Alloc("bs", kir.Shape{16, 32}, kir.Float32, kir.Shared)
	require.NoError(t, err)
	acc, err := k.Alloc("acc", kir.Shape{32, 32}, kir.Float32, kir.Fragment)
	require.NoError(t, err)

	k.Body = []kir.Stmt{
		&kir.FillStmt{Dst: kir.Full(acc)},
		kir.NewPipelined(4, stages,
			&kir.CopyStmt{Src: kir.View{Buf: a, Rows: 32, Cols: 16, Col: kir.Coord{Iter: 16}}, Dst: kir.Full(as)},
			&kir.CopyStmt{Src: kir.View{Buf: bb, Rows: 16, Cols: 32, Row: kir.Coord{Iter: 16}}, Dst: kir.Full(bs)},
			&kir.GemmStmt{A: kir.Full(as), B: kir.Full(bs), Acc: kir.Full(acc)},
		),
		&kir.CopyStmt{Src: kir.Full(acc), Dst: kir.Full(c)},
	}
	return k, as, bs
}

func TestPlanSharedStageScaling(t *testing.T) {
	base := 0
	for _, stages := range []int{1, 2, 3, 4} {
		k, as, bs := pipelineKernel(t, stages)
		plan, err := PlanShared(k, nil)
		require.NoError(t, err)

		assert.Equal(t, stages, as.Stages)
		assert.Equal(t, stages, bs.Stages)

		// Both tiles are 2KiB per stage, so the packed region scales
		// linearly with the overlap depth.
		if stages == 1 {
			base = plan.TotalBytes
			continue
		}
		assert.Equal(t, stages*base, plan.TotalBytes, "stages=%d", stages)
	}
}

func TestPlanSharedAlignment(t *testing.T) {
	k := kir.NewKernel("k", 1, 1, 32)
	p, err := k.Param("p", kir.Shape{16, 16}, kir.Float32)
	require.NoError(t, err)
	// 10 bytes: forces padding up to the next 16-byte boundary.
	odd, err := k.Alloc("odd", kir.Shape{1, 10}, kir.Uint8, kir.Shared)
	require.NoError(t, err)
	next, err := k.Alloc("next", kir.Shape{4, 4}, kir.Float32, kir.Shared)
	require.NoError(t, err)
	// Interleaved so both buffers are live at statement 1.
	k.Body = []kir.Stmt{
		&kir.CopyStmt{Src: kir.View{Buf: p, Rows: 1, Cols: 10}, Dst: kir.Full(odd)},
		&kir.CopyStmt{Src: kir.View{Buf: p, Rows: 4, Cols: 4}, Dst: kir.Full(next)},
		&kir.CopyStmt{Src: kir.Full(odd), Dst: kir.View{Buf: p, Rows: 1, Cols: 10}},
	}

	plan, err := PlanShared(k, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, odd.Offset%AlignBytes)
	assert.Equal(t, 0, next.Offset%AlignBytes)
	assert.NotEqual(t, odd.Offset, next.Offset)
	assert.Equal(t, 0, plan.TotalBytes%AlignBytes)
}

func TestPlanSharedDisjointLifetimesShareOffsets(t *testing.T) {
	k := kir.NewKernel("k", 1, 1, 32)
	p, err := k.Param("p", kir.Shape{64, 64}, kir.Float32)
	require.NoError(t, err)
	first, err := k.Alloc("first", kir.Shape{16, 16}, kir.Float32, kir.Shared)
	require.NoError(t, err)
	second, err := k.Alloc("second", kir.Shape{16, 16}, kir.Float32, kir.Shared)
	require.NoError(t, err)

	// first is dead before second is born, separated by a barrier.
	k.Body = []kir.Stmt{
		&kir.CopyStmt{Src: kir.View{Buf: p, Rows: 16, Cols: 16}, Dst: kir.Full(first)},
		&kir.CopyStmt{Src: kir.Full(first), Dst: kir.View{Buf: p, Rows: 16, Cols: 16}},
		&kir.BarrierStmt{},
		&kir.CopyStmt{Src: kir.View{Buf: p, Rows: 16, Cols: 16}, Dst: kir.Full(second)},
		&kir.CopyStmt{Src: kir.Full(second), Dst: kir.View{Buf: p, Rows: 16, Cols: 16}},
	}

	plan, err := PlanShared(k, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Offset, second.Offset)
	assert.Equal(t, alignUp(first.TotalByteSize()), plan.TotalBytes)
}

func TestPlanSharedOverlappingLifetimesDisjointOffsets(t *testing.T) {
	k := kir.NewKernel("k", 1, 1, 32)
	p, err := k.Param("p", kir.Shape{64, 64}, kir.Float32)
	require.NoError(t, err)
	x, err := k.Alloc("x", kir.Shape{16, 16}, kir.Float32, kir.Shared)
	require.NoError(t, err)
	y, err := k.Alloc("y", kir.Shape{16, 16}, kir.Float32, kir.Shared)
	require.NoError(t, err)

	k.Body = []kir.Stmt{
		&kir.CopyStmt{Src: kir.View{Buf: p, Rows: 16, Cols: 16}, Dst: kir.Full(x)},
		&kir.CopyStmt{Src: kir.View{Buf: p, Rows: 16, Cols: 16}, Dst: kir.Full(y)},
		&kir.EwiseStmt{Op: kir.EwAdd, A: kir.Full(x), B: viewPtr(kir.Full(y)), Dst: kir.Full(x)},
		&kir.CopyStmt{Src: kir.Full(x), Dst: kir.View{Buf: p, Rows: 16, Cols: 16}},
	}

	plan, err := PlanShared(k, nil)
	require.NoError(t, err)
	assert.NotEqual(t, x.Offset, y.Offset)
	assert.GreaterOrEqual(t, plan.TotalBytes, alignUp(x.TotalByteSize())+alignUp(y.TotalByteSize()))
}

func viewPtr(v kir.View) *kir.View { return &v }
