package kernels

import (
	"math"

	"github.com/pkg/errors"

	"github.com/loom-gpu/loom/internal/kir"
)

// FlashAttentionConfig sizes single-head attention O = softmax(QK^T/√d)V
// over [SeqLen, HeadDim] operands, computed with online softmax so no
// SeqLen x SeqLen score matrix ever materializes.
type FlashAttentionConfig struct {
	SeqLen  int
	HeadDim int
	TileQ   int
	TileKV  int
	Stages  int
	Threads int
}

// DefaultFlashAttentionConfig returns 64-wide tiles with a two-stage
// pipeline over the key/value sequence.
func DefaultFlashAttentionConfig(seqLen, headDim int) FlashAttentionConfig {
	return FlashAttentionConfig{
		SeqLen:  seqLen,
		HeadDim: headDim,
		TileQ:   64,
		TileKV:  64,
		Stages:  2,
		Threads: 128,
	}
}

// FlashAttentionParams exposes the kernel's global buffers.
type FlashAttentionParams struct {
	Q, K, V, O *kir.Buffer
}

// FlashAttention builds a tiled attention kernel: each block owns one
// query tile, streams key/value tiles through the pipelined loop, and
// maintains the running row maximum, normalizer and rescaled output
// accumulator of the online-softmax recurrence in shared memory.
func FlashAttention(cfg FlashAttentionConfig) (*kir.Kernel, *FlashAttentionParams, error) {
	if cfg.SeqLen%cfg.TileQ != 0 || cfg.SeqLen%cfg.TileKV != 0 {
		return nil, nil, errors.Wrapf(kir.ErrShape, "flash attention: tiles (%d,%d) must divide sequence length %d",
			cfg.TileQ, cfg.TileKV, cfg.SeqLen)
	}

	k := kir.NewKernel("flash_attention", 1, cfg.SeqLen/cfg.TileQ, cfg.Threads)

	q, err := k.Param("Q", kir.Shape{cfg.SeqLen, cfg.HeadDim}, kir.Float32)
	if err != nil {
		return nil, nil, err
	}
	key, err := k.Param("K", kir.Shape{cfg.SeqLen, cfg.HeadDim}, kir.Float32)
	if err != nil {
		return nil, nil, err
	}
	v, err := k.Param("V", kir.Shape{cfg.SeqLen, cfg.HeadDim}, kir.Float32)
	if err != nil {
		return nil, nil, err
	}
	o, err := k.Param("O", kir.Shape{cfg.SeqLen, cfg.HeadDim}, kir.Float32)
	if err != nil {
		return nil, nil, err
	}

	type alloc struct {
		name  string
		shape kir.Shape
	}
	bufs := make(map[string]*kir.Buffer)
	for _, al := range []alloc{
		{"Qs", kir.Shape{cfg.TileQ, cfg.HeadDim}},
		{"Ks", kir.Shape{cfg.TileKV, cfg.HeadDim}},
		{"Vs", kir.Shape{cfg.TileKV, cfg.HeadDim}},
		{"S", kir.Shape{cfg.TileQ, cfg.TileKV}},
		{"accO", kir.Shape{cfg.TileQ, cfg.HeadDim}},
		{"rowMax", kir.Shape{cfg.TileQ, 1}},
		{"rowSum", kir.Shape{cfg.TileQ, 1}},
		{"tileMax", kir.Shape{cfg.TileQ, 1}},
		{"newMax", kir.Shape{cfg.TileQ, 1}},
		{"tileSum", kir.Shape{cfg.TileQ, 1}},
		{"rescale", kir.Shape{cfg.TileQ, 1}},
	} {
		b, err := k.Alloc(al.name, al.shape, kir.Float32, kir.Shared)
		if err != nil {
			return nil, nil, err
		}
		bufs[al.name] = b
	}

	scale := float32(1.0 / math.Sqrt(float64(cfg.HeadDim)))
	full := func(name string) kir.View { return kir.Full(bufs[name]) }
	colVec := func(name string) *kir.View {
		vv := kir.Full(bufs[name])
		return &vv
	}

	k.Body = []kir.Stmt{
		// Stage the block's query tile once and initialize the
		// online-softmax state.
		&kir.CopyStmt{
			Src: kir.View{Buf: q, Rows: cfg.TileQ, Cols: cfg.HeadDim, Row: kir.Coord{BlockY: cfg.TileQ}},
			Dst: full("Qs"),
		},
		&kir.FillStmt{Dst: full("rowMax"), Value: -float32(math.MaxFloat32)},
		&kir.FillStmt{Dst: full("rowSum"), Value: 0},
		&kir.FillStmt{Dst: full("accO"), Value: 0},
		&kir.BarrierStmt{},

		kir.NewPipelined(cfg.SeqLen/cfg.TileKV, cfg.Stages,
			&kir.CopyStmt{
				Src: kir.View{Buf: key, Rows: cfg.TileKV, Cols: cfg.HeadDim, Row: kir.Coord{Iter: cfg.TileKV}},
				Dst: full("Ks"),
			},
			&kir.CopyStmt{
				Src: kir.View{Buf: v, Rows: cfg.TileKV, Cols: cfg.HeadDim, Row: kir.Coord{Iter: cfg.TileKV}},
				Dst: full("Vs"),
			},

			// S = (Qs Ks^T) / sqrt(d)
			&kir.FillStmt{Dst: full("S"), Value: 0},
			&kir.GemmStmt{A: full("Qs"), B: full("Ks"), Acc: full("S"), TransB: true},
			&kir.EwiseStmt{Op: kir.EwScale, A: full("S"), Scalar: scale, Dst: full("S")},

			// Online softmax recurrence.
			&kir.ReduceStmt{Op: kir.ReduceMax, Axis: 1, Src: full("S"), Dst: full("tileMax")},
			&kir.EwiseStmt{Op: kir.EwMax, A: full("rowMax"), B: colVec("tileMax"), Dst: full("newMax")},
			&kir.EwiseStmt{Op: kir.EwSub, A: full("rowMax"), B: colVec("newMax"), Dst: full("rescale")},
			&kir.EwiseStmt{Op: kir.EwExp, A: full("rescale"), Dst: full("rescale")},
			&kir.EwiseStmt{Op: kir.EwSub, A: full("S"), B: colVec("newMax"), Dst: full("S")},
			&kir.EwiseStmt{Op: kir.EwExp, A: full("S"), Dst: full("S")},
			&kir.ReduceStmt{Op: kir.ReduceSum, Axis: 1, Src: full("S"), Dst: full("tileSum")},

			// rowSum = rowSum * rescale + tileSum; accO = accO * rescale + S Vs.
			&kir.EwiseStmt{Op: kir.EwMul, A: full("rowSum"), B: colVec("rescale"), Dst: full("rowSum")},
			&kir.EwiseStmt{Op: kir.EwAdd, A: full("rowSum"), B: colVec("tileSum"), Dst: full("rowSum")},
			&kir.EwiseStmt{Op: kir.EwMul, A: full("accO"), B: colVec("rescale"), Dst: full("accO")},
			&kir.GemmStmt{A: full("S"), B: full("Vs"), Acc: full("accO")},
			&kir.EwiseStmt{Op: kir.EwScale, A: full("newMax"), Scalar: 1, Dst: full("rowMax")},
		),

		// O = accO / rowSum.
		&kir.EwiseStmt{Op: kir.EwDiv, A: full("accO"), B: colVec("rowSum"), Dst: full("accO")},
		&kir.CopyStmt{
			Src: full("accO"),
			Dst: kir.View{Buf: o, Rows: cfg.TileQ, Cols: cfg.HeadDim, Row: kir.Coord{BlockY: cfg.TileQ}},
		},
	}

	return k, &FlashAttentionParams{Q: q, K: key, V: v, O: o}, nil
}
