package kernels

import (
	"github.com/pkg/errors"

	"github.com/loom-gpu/loom/internal/kir"
)

// DequantMatmulConfig sizes C = A x dequant(Wq), where Wq holds Bits-bit
// weight codes packed along the output dimension into int8 storage, with
// one scale and zero point per output column.
type DequantMatmulConfig struct {
	M, N, K int
	TileM   int
	TileN   int
	TileK   int
	Bits    int
	Stages  int
	Threads int
}

// DefaultDequantMatmulConfig returns a 4-bit two-stage configuration.
func DefaultDequantMatmulConfig(m, n, k int) DequantMatmulConfig {
	return DequantMatmulConfig{
		M: m, N: n, K: k,
		TileM: 64, TileN: 64, TileK: 32,
		Bits:    4,
		Stages:  2,
		Threads: 128,
	}
}

// DequantMatmulParams exposes the kernel's global buffers.
type DequantMatmulParams struct {
	A      *kir.Buffer // [M, K] half
	Wq     *kir.Buffer // [K, N*Bits/8] packed codes
	Scales *kir.Buffer // [1, N]
	Zeros  *kir.Buffer // [1, N]
	C      *kir.Buffer // [M, N] half
}

// DequantMatmul builds a weight-dequantizing block matmul. Packed weight
// tiles are staged through shared memory alongside the activations, the
// codes are unpacked and dequantized into a shared tile inside the
// pipelined K loop, and the result feeds the same fragment-accumulator
// gemm as the plain matmul.
func DequantMatmul(cfg DequantMatmulConfig) (*kir.Kernel, *DequantMatmulParams, error) {
	if cfg.Bits != 2 && cfg.Bits != 4 {
		return nil, nil, errors.Wrapf(kir.ErrShape, "dequant matmul: bits must be 2 or 4, got %d", cfg.Bits)
	}
	perByte := 8 / cfg.Bits
	if cfg.M%cfg.TileM != 0 || cfg.N%cfg.TileN != 0 || cfg.K%cfg.TileK != 0 || cfg.TileN%perByte != 0 {
		return nil, nil, errors.Wrapf(kir.ErrShape, "dequant matmul %dx%dx%d: tiles (%d,%d,%d) must divide the problem",
			cfg.M, cfg.N, cfg.K, cfg.TileM, cfg.TileN, cfg.TileK)
	}

	k := kir.NewKernel("dequant_matmul", cfg.N/cfg.TileN, cfg.M/cfg.TileM, cfg.Threads)

	a, err := k.Param("A", kir.Shape{cfg.M, cfg.K}, kir.Float16)
	if err != nil {
		return nil, nil, err
	}
	wq, err := k.Param("Wq", kir.Shape{cfg.K, cfg.N / perByte}, kir.Uint8)
	if err != nil {
		return nil, nil, err
	}
	scales, err := k.Param("scales", kir.Shape{1, cfg.N}, kir.Float32)
	if err != nil {
		return nil, nil, err
	}
	zeros, err := k.Param("zeros", kir.Shape{1, cfg.N}, kir.Float32)
	if err != nil {
		return nil, nil, err
	}
	c, err := k.Param("C", kir.Shape{cfg.M, cfg.N}, kir.Float16)
	if err != nil {
		return nil, nil, err
	}

	as, err := k.Alloc("As", kir.Shape{cfg.TileM, cfg.TileK}, kir.Float16, kir.Shared)
	if err != nil {
		return nil, nil, err
	}
	wqs, err := k.Alloc("Wqs", kir.Shape{cfg.TileK, cfg.TileN / perByte}, kir.Uint8, kir.Shared)
	if err != nil {
		return nil, nil, err
	}
	ws, err := k.Alloc("Ws", kir.Shape{cfg.TileK, cfg.TileN}, kir.Float16, kir.Shared)
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
				Src: kir.View{Buf: wq, Rows: cfg.TileK, Cols: cfg.TileN / perByte,
					Row: kir.Coord{Iter: cfg.TileK}, Col: kir.Coord{BlockX: cfg.TileN / perByte}},
				Dst: kir.Full(wqs),
			},
			&kir.DequantStmt{
				Src:    kir.Full(wqs),
				Scales: kir.View{Buf: scales, Rows: 1, Cols: cfg.TileN, Col: kir.Coord{BlockX: cfg.TileN}},
				Zeros:  kir.View{Buf: zeros, Rows: 1, Cols: cfg.TileN, Col: kir.Coord{BlockX: cfg.TileN}},
				Dst:    kir.Full(ws),
				Bits:   cfg.Bits,
			},
			&kir.GemmStmt{A: kir.Full(as), B: kir.Full(ws), Acc: kir.Full(acc)},
		),
		&kir.CopyStmt{
			Src: kir.Full(acc),
			Dst: kir.View{Buf: c, Rows: cfg.TileM, Cols: cfg.TileN,
				Row: kir.Coord{BlockY: cfg.TileM}, Col: kir.Coord{BlockX: cfg.TileN}},
		},
	}

	return k, &DequantMatmulParams{A: a, Wq: wq, Scales: scales, Zeros: zeros, C: c}, nil
}
