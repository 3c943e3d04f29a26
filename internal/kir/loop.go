package kir

import "github.com/pkg/errors"

// LoopKind tags a loop with its scheduling annotation.
type LoopKind int

const (
	// Serial loops execute iterations in order on every thread.
	Serial LoopKind = iota
	// Parallel loops distribute iterations across the thread block.
	Parallel
	// Pipelined loops overlap producer copies with consumer compute
	// across a fixed number of stages.
	Pipelined
	// Vectorized loops execute with a fixed vector lane width.
	Vectorized
)

// String returns a human-readable name for the loop kind.
func (k LoopKind) String() string {
	switch k {
	case Serial:
		return "serial"
	case Parallel:
		return "parallel"
	case Pipelined:
		return "pipelined"
	case Vectorized:
		return "vectorized"
	default:
		return "unknown"
	}
}

// Loop is an annotated loop over [0, Extent) containing tile statements.
// Stages is only meaningful for Pipelined loops, Width only for
// Vectorized loops.
type Loop struct {
	Kind   LoopKind
	Extent int
	Stages int
	Width  int
	Body   []Stmt
}

func (l *Loop) stmtNode() {}

// Validate checks the annotation's legal combinations: a positive trip
// count, Pipelined stage count >= 1 (1 degenerates to Serial semantics),
// and a Vectorized width that divides the extent.
func (l *Loop) Validate() error {
	if l.Extent <= 0 {
		return errors.Wrapf(ErrShape, "%s loop: extent must be positive, got %d", l.Kind, l.Extent)
	}
	switch l.Kind {
	case Pipelined:
		if l.Stages < 1 {
			return errors.Wrapf(ErrShape, "pipelined loop: stage count must be >= 1, got %d", l.Stages)
		}
	case Vectorized:
		if l.Width < 1 || l.Extent%l.Width != 0 {
			return errors.Wrapf(ErrShape, "vectorized loop: width %d must divide extent %d", l.Width, l.Extent)
		}
	}
	for _, s := range l.Body {
		if inner, ok := s.(*Loop); ok {
			if err := inner.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewPipelined builds a pipelined loop annotation with the given overlap
// depth.
func NewPipelined(extent, stages int, body ...Stmt) *Loop {
	return &Loop{Kind: Pipelined, Extent: extent, Stages: stages, Body: body}
}

// NewSerial builds a serial loop annotation.
func NewSerial(extent int, body ...Stmt) *Loop {
	return &Loop{Kind: Serial, Extent: extent, Body: body}
}

// NewParallel builds a parallel loop annotation.
func NewParallel(extent int, body ...Stmt) *Loop {
	return &Loop{Kind: Parallel, Extent: extent, Body: body}
}
