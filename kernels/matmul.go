// Package kernels provides ready-made tile programs: a pipelined block
// matrix multiply, a dequantizing matmul over bit-packed weights, and a
// tiled flash-attention kernel. Each builder returns the kernel
// description plus handles to its global parameters, ready for
// compilation.
package kernels

import (
	"github.com/pkg/errors"

	"github.com/loom-gpu/loom/internal/kir"
)

// MatmulConfig sizes the block matrix multiply C = A x B.
type MatmulConfig struct {
	M, N, K int
	TileM   int
	TileN   int
	TileK   int
	Stages  int
	Threads int
	DType   kir.DataType
}

// DefaultMatmulConfig returns the canonical (128,128,32) tile with a
// two-stage pipeline and half-precision inputs.
func DefaultMatmulConfig(m, n, k int) MatmulConfig {
	return MatmulConfig{
		M: m, N: n, K: k,
		TileM: 128, TileN: 128, TileK: 32,
		Stages:  2,
		Threads: 128,
		DType:   kir.Float16,
	}
}

// MatmulParams exposes the kernel's global buffers for host binding.
type MatmulParams struct {
	A, B, C *kir.Buffer
}

// Matmul builds a software-pipelined block matrix multiply: each block
// owns one (TileM, TileN) output tile, marches over K in TileK steps
// with the configured overlap depth, stages operand tiles through
// shared memory, and accumulates in a register fragment.
func Matmul(cfg MatmulConfig) (*kir.Kernel, *MatmulParams, error) {
	if cfg.M%cfg.TileM != 0 || cfg.N%cfg.TileN != 0 || cfg.K%cfg.TileK != 0 {
		return nil, nil, errors.Wrapf(kir.ErrShape, "matmul %dx%dx%d: tiles (%d,%d,%d) must divide the problem",
			cfg.M, cfg.N, cfg.K, cfg.TileM, cfg.TileN, cfg.TileK)
	}

	k := kir.NewKernel("matmul", cfg.N/cfg.TileN, cfg.M/cfg.TileM, cfg.Threads)

	a, err := k.Param("A", kir.Shape{cfg.M, cfg.K}, cfg.DType)
	if err != nil {
		return nil, nil, err
	}
	b, err := k.Param("B", kir.Shape{cfg.K, cfg.N}, cfg.DType)
	if err != nil {
		return nil, nil, err
	}
	c, err := k.Param("C", kir.Shape{cfg.M, cfg.N}, cfg.DType)
	if err != nil {
		return nil, nil, err
	}

	as, err := k.Alloc("As", kir.Shape{cfg.TileM, cfg.TileK}, cfg.DType, kir.Shared)
	if err != nil {
		return nil, nil, err
	}
	bs, err := k.Alloc("Bs", kir.Shape{cfg.TileK, cfg.TileN}, cfg.DType, kir.Shared)
	if err != nil {
		return nil, nil, err
	}
	acc, err := k.Alloc("acc", kir.Shape{cfg.TileM, cfg.TileN}, kir.Float32, kir.Fragment)
	if err != nil {
		return nil, nil, err
	}

	k.Body = []kir.Stmt{
		&kir.FillStmt{Dst: kir.Full(acc), Value: 0},
		kir.NewPipelined(cfg.K/cfg.TileK, cfg.Stages,
			&kir.CopyStmt{
				Src: kir.View{Buf: a, Rows: cfg.TileM, Cols: cfg.TileK,
					Row: kir.Coord{BlockY: cfg.TileM}, Col: kir.Coord{Iter: cfg.TileK}},
				Dst: kir.Full(as),
			},
			&kir.CopyStmt{
				Src: kir.View{Buf: b, Rows: cfg.TileK, Cols: cfg.TileN,
					Row: kir.Coord{Iter: cfg.TileK}, Col: kir.Coord{BlockX: cfg.TileN}},
				Dst: kir.Full(bs),
			},
			&kir.GemmStmt{A: kir.Full(as), B: kir.Full(bs), Acc: kir.Full(acc)},
		),
		&kir.CopyStmt{
			Src: kir.Full(acc),
			Dst: kir.View{Buf: c, Rows: cfg.TileM, Cols: cfg.TileN,
				Row: kir.Coord{BlockY: cfg.TileM}, Col: kir.Coord{BlockX: cfg.TileN}},
		},
	}

	return k, &MatmulParams{A: a, B: b, C: c}, nil
}
