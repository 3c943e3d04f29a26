// Package schedule lowers annotated tile loops into explicit pipeline
// schedules: prologue prefetch, steady-state overlap of asynchronous
// copies with compute, and an epilogue drain. The schedule is the
// compiler's sole output artifact for a loop; the emitter renders it
// without making further decisions.
package schedule

import (
	"fmt"
	"strings"

	"github.com/loom-gpu/loom/internal/kir"
)

// EntryKind tags one schedule entry.
type EntryKind int

const (
	// Issue starts an asynchronous producer copy batch for an iteration.
	Issue EntryKind = iota
	// Wait blocks until at most MaxOutstanding issued batches remain
	// unresolved.
	Wait
	// Barrier is a block-wide synchronization point.
	Barrier
	// Compute executes a consumer statement for an iteration.
	Compute
)

// String returns a human-readable name for the entry kind.
func (k EntryKind) String() string {
	switch k {
	case Issue:
		return "issue"
	case Wait:
		return "wait"
	case Barrier:
		return "barrier"
	case Compute:
		return "compute"
	default:
		return "unknown"
	}
}

// Phase identifies which section of the pipelined loop an entry belongs
// to.
type Phase int

// Pipeline phases.
const (
	Prologue Phase = iota
	Steady
	Epilogue
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case Prologue:
		return "prologue"
	case Steady:
		return "steady"
	case Epilogue:
		return "epilogue"
	default:
		return "unknown"
	}
}

// Entry is one step of the lowered schedule. Stmt is set for Issue and
// Compute entries; Iter is the logical loop iteration the statement
// belongs to and Slot is the physical buffer slot (Iter mod stages) its
// staged operands live in. MaxOutstanding is only meaningful for Wait.
type Entry struct {
	Kind           EntryKind
	Phase          Phase
	Stmt           kir.Stmt
	Iter           int
	Slot           int
	MaxOutstanding int
}

// Schedule is the ordered lowering of one annotated loop.
type Schedule struct {
	Loop    *kir.Loop
	Stages  int
	Entries []Entry

	// Section lengths in iterations, for introspection and tests.
	PrologueIters int
	SteadyIters   int
	EpilogueIters int
}

// String renders the schedule as a table, one entry per line.
func (s *Schedule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline(stages=%d trip=%d) prologue=%d steady=%d epilogue=%d\n",
		s.Stages, s.Loop.Extent, s.PrologueIters, s.SteadyIters, s.EpilogueIters)
	for _, e := range s.Entries {
		switch e.Kind {
		case Wait:
			fmt.Fprintf(&b, "  [%s] wait outstanding<=%d\n", e.Phase, e.MaxOutstanding)
		case Barrier:
			fmt.Fprintf(&b, "  [%s] barrier\n", e.Phase)
		default:
			fmt.Fprintf(&b, "  [%s] %s iter=%d slot=%d %s\n", e.Phase, e.Kind, e.Iter, e.Slot, stmtName(e.Stmt))
		}
	}
	return b.String()
}

func stmtName(s kir.Stmt) string {
	switch st := s.(type) {
	case *kir.CopyStmt:
		return fmt.Sprintf("copy %s->%s", st.Src.Buf.Name, st.Dst.Buf.Name)
	case *kir.GemmStmt:
		return fmt.Sprintf("gemm %s x %s -> %s", st.A.Buf.Name, st.B.Buf.Name, st.Acc.Buf.Name)
	case *kir.FillStmt:
		return fmt.Sprintf("fill %s", st.Dst.Buf.Name)
	case *kir.EwiseStmt:
		return fmt.Sprintf("%s -> %s", st.Op, st.Dst.Buf.Name)
	case *kir.ReduceStmt:
		return fmt.Sprintf("reduce -> %s", st.Dst.Buf.Name)
	case *kir.DequantStmt:
		return fmt.Sprintf("dequant %s -> %s", st.Src.Buf.Name, st.Dst.Buf.Name)
	case *kir.Loop:
		return fmt.Sprintf("%s loop x%d", st.Kind, st.Extent)
	case *kir.BarrierStmt:
		return "barrier"
	default:
		return "stmt"
	}
}
