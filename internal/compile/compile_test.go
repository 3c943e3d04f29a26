package compile

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-gpu/loom/internal/kir"
)

// smallMatmul builds a 64x64x64 tiled matmul with 32x32x16 tiles.
func smallMatmul(t *testing.T, stages int) *kir.Kernel {
	t.Helper()
	k := kir.NewKernel("mm", 2, 2, 64)
	a, err := k.Param("A", kir.Shape{64, 64}, kir.Float32)
	require.NoError(t, err)
	b, err := k.Param("B", kir.Shape{64, 64}, kir.Float32)
	require.NoError(t, err)
	c, err := k.Param("C", kir.Shape{64, 64}, kir.Float32)
	require.NoError(t, err)
	as, err := k.Alloc("As", kir.Shape{32, 16}, kir.Float32, kir.Shared)
	require.NoError(t, err)
	bs, err := k.Alloc("Bs", kir.Shape{16, 32}, kir.Float32, kir.Shared)
	require.NoError(t, err)
	acc, err := k.Alloc("acc", kir.Shape{32, 32}, kir.Float32, kir.Fragment)
	require.NoError(t, err)

	k.Body = []kir.Stmt{
		&kir.FillStmt{Dst: kir.Full(acc)},
		kir.NewPipelined(4, stages,
			&kir.CopyStmt{Src: kir.View{Buf: a, Rows: 32, Cols: 16,
				Row: kir.Coord{BlockY: 32}, Col: kir.Coord{Iter: 16}}, Dst: kir.Full(as)},
			&kir.CopyStmt{Src: kir.View{Buf: b, Rows: 16, Cols: 32,
				Row: kir.Coord{Iter: 16}, Col: kir.Coord{BlockX: 32}}, Dst: kir.Full(bs)},
			&kir.GemmStmt{A: kir.Full(as), B: kir.Full(bs), Acc: kir.Full(acc)},
		),
		&kir.CopyStmt{Src: kir.Full(acc), Dst: kir.View{Buf: c, Rows: 32, Cols: 32,
			Row: kir.Coord{BlockY: 32}, Col: kir.Coord{BlockX: 32}}},
	}
	return k
}

func TestCompileMatmulArtifact(t *testing.T) {
	art, err := Compile(smallMatmul(t, 2))
	require.NoError(t, err)

	require.Len(t, art.Schedules, 1)
	for _, s := range art.Schedules {
		assert.Equal(t, 1, s.PrologueIters)
		assert.Equal(t, 4, s.SteadyIters)
		assert.Equal(t, 1, s.EpilogueIters)
	}

	// Both staged tiles double-buffer; the region holds 2 slots each.
	for _, b := range art.Kernel.SharedBuffers() {
		assert.Equal(t, 2, b.Stages, b.Name)
	}
	assert.Equal(t, 2*(32*16*4+16*32*4), art.Plan.TotalBytes)

	// Gemm operands over power-of-two inner dims get the swizzle.
	for _, b := range art.Kernel.SharedBuffers() {
		assert.True(t, art.Plan.Layouts[b].Swizzled, b.Name)
	}
}

func TestCompileEmitsWGSL(t *testing.T) {
	art, err := Compile(smallMatmul(t, 2))
	require.NoError(t, err)

	src := art.WGSL
	assert.Contains(t, src, "@compute @workgroup_size(64)")
	assert.Contains(t, src, "var<workgroup> As: array<f32, 1024>")
	assert.Contains(t, src, "var<workgroup> Bs: array<f32, 1024>")
	assert.Contains(t, src, "workgroupBarrier();")
	assert.Contains(t, src, "@group(0) @binding(0) var<storage, read_write> A: array<f32>;")
	// Swizzled addressing renders as shift/xor/mask arithmetic.
	assert.Contains(t, src, " ^ ")
	// Both pipeline sections are annotated.
	assert.Contains(t, src, "prologue 1, steady 4, epilogue 1")
}

func TestCompileStageOneHasNoSlotOffsets(t *testing.T) {
	art, err := Compile(smallMatmul(t, 1))
	require.NoError(t, err)
	for _, b := range art.Kernel.SharedBuffers() {
		assert.Equal(t, 1, b.Stages)
	}
	assert.Equal(t, 32*16*4+16*32*4, art.Plan.TotalBytes)
}

func TestCompileFailsFast(t *testing.T) {
	k := smallMatmul(t, 2)
	// Corrupt the gemm: accumulator extent no longer matches.
	loop := k.Body[1].(*kir.Loop)
	g := loop.Body[2].(*kir.GemmStmt)
	g.Acc.Rows = 16
	_, err := Compile(k)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kir.ErrShape))
}

func TestCompileReport(t *testing.T) {
	art, err := Compile(smallMatmul(t, 2))
	require.NoError(t, err)
	rep := art.Report()
	assert.Contains(t, rep, `kernel "mm"`)
	assert.Contains(t, rep, "swizzled layout")
	assert.True(t, strings.Contains(rep, "pipeline(stages=2 trip=4)"))
}

func TestCompileLayoutHint(t *testing.T) {
	k := smallMatmul(t, 2)
	// Pin Bs to a narrower swizzle than the heuristic would choose.
	loop := k.Body[1].(*kir.Loop)
	bs := loop.Body[1].(*kir.CopyStmt).Dst.Buf
	spec := &kir.SwizzleSpec{ColBits: 5, Mask: 7}
	k.Body = append([]kir.Stmt{&kir.HintStmt{Buf: bs, Fn: spec.Fn(), Spec: spec}}, k.Body...)

	art, err := Compile(k)
	require.NoError(t, err)
	l := art.Plan.Layouts[bs]
	require.NotNil(t, l)
	assert.True(t, l.Swizzled)
	assert.Equal(t, spec, l.Spec)
	assert.Contains(t, art.WGSL, "& 7u")
}

func TestCompileRejectsNonBijectiveHint(t *testing.T) {
	k := smallMatmul(t, 2)
	bs := k.Allocs[1]
	k.Body = append([]kir.Stmt{&kir.HintStmt{Buf: bs, Fn: func(i int) int { return 0 }}}, k.Body...)
	_, err := Compile(k)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kir.ErrLayout))
}

func TestCompileRasterHint(t *testing.T) {
	k := smallMatmul(t, 2)
	k.RasterGroup = 2
	art, err := Compile(k)
	require.NoError(t, err)
	assert.Contains(t, art.WGSL, "rasterization hint")
}
