package sim

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-gpu/loom/internal/compile"
	"github.com/loom-gpu/loom/internal/kir"
	"github.com/loom-gpu/loom/internal/schedule"
)

func stagedCopyKernel(t *testing.T) (*kir.Kernel, *kir.Buffer) {
	t.Helper()
	k := kir.NewKernel("k", 1, 1, 32)
	x, err := k.Param("x", kir.Shape{4, 32}, kir.Float32)
	require.NoError(t, err)
	xs, err := k.Alloc("xs", kir.Shape{1, 32}, kir.Float32, kir.Shared)
	require.NoError(t, err)

	k.Body = []kir.Stmt{
		kir.NewPipelined(4, 2,
			&kir.CopyStmt{Src: kir.View{Buf: x, Rows: 1, Cols: 32, Row: kir.Coord{Iter: 1}}, Dst: kir.Full(xs)},
			&kir.EwiseStmt{Op: kir.EwScale, A: kir.Full(xs), Scalar: 3,
				Dst: kir.View{Buf: x, Rows: 1, Cols: 32, Row: kir.Coord{Iter: 1}}},
		),
	}
	return k, x
}

func TestIssuedBatchesStayPendingUntilWaited(t *testing.T) {
	k, x := stagedCopyKernel(t)
	art, err := compile.Compile(k)
	require.NoError(t, err)

	data := make([]float32, 4*32)
	for i := range data {
		data[i] = 1
	}
	mem := NewMemory()
	mem.Bind(x, data)
	require.NoError(t, Run(art, mem))
	for i, v := range data {
		assert.Equal(t, float32(3), v, "elem %d", i)
	}
}

func TestUnwaitedBatchesAreAnError(t *testing.T) {
	k, x := stagedCopyKernel(t)
	art, err := compile.Compile(k)
	require.NoError(t, err)

	// Strip every wait: issued batches can then never resolve.
	for _, s := range art.Schedules {
		kept := s.Entries[:0]
		for _, e := range s.Entries {
			if e.Kind != schedule.Wait {
				kept = append(kept, e)
			}
		}
		s.Entries = kept
	}

	mem := NewMemory()
	mem.Bind(x, make([]float32, 4*32))
	err = Run(art, mem)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kir.ErrDependency))
}

func TestPipelinedFragmentStagingRunsInOrder(t *testing.T) {
	// Routing rows through single-slot fragment storage inside an
	// overlapped loop: the load for iteration i+1 must not land before
	// iteration i has copied its row back out.
	k := kir.NewKernel("k", 1, 1, 8)
	x, err := k.Param("x", kir.Shape{4, 8}, kir.Float32)
	require.NoError(t, err)
	y, err := k.Param("y", kir.Shape{4, 8}, kir.Float32)
	require.NoError(t, err)
	f, err := k.Alloc("f", kir.Shape{1, 8}, kir.Float32, kir.Fragment)
	require.NoError(t, err)

	k.Body = []kir.Stmt{
		kir.NewPipelined(4, 2,
			&kir.CopyStmt{Src: kir.View{Buf: x, Rows: 1, Cols: 8, Row: kir.Coord{Iter: 1}}, Dst: kir.Full(f)},
			&kir.CopyStmt{Src: kir.Full(f), Dst: kir.View{Buf: y, Rows: 1, Cols: 8, Row: kir.Coord{Iter: 1}}},
		),
	}
	art, err := compile.Compile(k)
	require.NoError(t, err)

	in := make([]float32, 4*8)
	for i := range in {
		in[i] = float32(i)
	}
	out := make([]float32, 4*8)
	mem := NewMemory()
	mem.Bind(x, in)
	mem.Bind(y, out)
	require.NoError(t, Run(art, mem))
	assert.Equal(t, in, out)
}

func TestOutOfBoundsAccessFails(t *testing.T) {
	k := kir.NewKernel("k", 1, 1, 32)
	x, err := k.Param("x", kir.Shape{4, 8}, kir.Float32)
	require.NoError(t, err)
	xs, err := k.Alloc("xs", kir.Shape{8, 8}, kir.Float32, kir.Shared)
	require.NoError(t, err)
	// The view walks 8 rows of a 4-row global buffer.
	k.Body = []kir.Stmt{
		&kir.CopyStmt{Src: kir.View{Buf: x, Rows: 8, Cols: 8}, Dst: kir.Full(xs)},
	}
	art, err := compile.Compile(k)
	require.NoError(t, err)

	mem := NewMemory()
	mem.Bind(x, make([]float32, 4*8))
	err = Run(art, mem)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kir.ErrShape))
}
