package schedule

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loom-gpu/loom/internal/kir"
)

// SchedulePipeline lowers a pipelined (or serial) loop into an explicit
// schedule. preWritten lists buffers initialized before the loop.
//
// The schedule has three sections:
//
//   - Prologue: producer batches for the first stages-1 iterations are
//     issued without blocking, each tagged with slot iter mod stages so
//     the staged buffers cycle through their physical slots. When the
//     trip count is smaller than the overlap depth the prologue clamps
//     to tripCount-1 batches and the steady state issues the remainder,
//     so every iteration is issued exactly once.
//   - Steady state: iteration i issues the look-ahead batch (the next
//     unissued iteration, normally i+stages-1) if any remain, waits
//     until at most stages-2 batches are outstanding, crosses a
//     barrier, then runs the consumers for iteration i against slot
//     i mod stages.
//   - Epilogue: a final wait for all outstanding batches. Consumers all
//     ran in the steady state, so the drain is the only trailing work.
//
// A stage count of 1 degenerates to strict issue-wait-compute per
// iteration: no prefetch, no epilogue, and numeric results identical to
// every other stage count.
func SchedulePipeline(loop *kir.Loop, preWritten map[*kir.Buffer]bool) (*Schedule, error) {
	if err := loop.Validate(); err != nil {
		return nil, err
	}
	stages := 1
	switch loop.Kind {
	case kir.Pipelined:
		stages = loop.Stages
	case kir.Serial:
	default:
		return nil, errors.Wrapf(kir.ErrDependency, "%s loop cannot be software-pipelined", loop.Kind)
	}

	g, err := BuildGraph(loop.Body, preWritten)
	if err != nil {
		return nil, err
	}

	n := loop.Extent
	s := &Schedule{Loop: loop, Stages: stages}

	prologue := stages - 1
	if prologue > n-1 {
		prologue = n - 1
	}
	if prologue < 0 {
		prologue = 0
	}

	nextIssue := 0
	for ; nextIssue < prologue; nextIssue++ {
		s.issueBatch(g, Prologue, nextIssue)
	}
	s.PrologueIters = prologue

	for i := 0; i < n; i++ {
		if nextIssue < n {
			s.issueBatch(g, Steady, nextIssue)
			nextIssue++
		}
		// The batch for iteration i must have resolved before its
		// consumers run: at most nextIssue-i-1 newer batches may stay in
		// flight, further capped at stages-2 per the overlap depth. The
		// first bound only bites when the trip count clamped the
		// prologue.
		maxOutstanding := stages - 2
		if lead := nextIssue - i - 1; lead < maxOutstanding {
			maxOutstanding = lead
		}
		if maxOutstanding < 0 {
			maxOutstanding = 0
		}
		s.Entries = append(s.Entries,
			Entry{Kind: Wait, Phase: Steady, MaxOutstanding: maxOutstanding},
			Entry{Kind: Barrier, Phase: Steady},
		)
		s.appendConsumers(g, i, stages)
		// Staged slots are reused stages iterations later; the next
		// iteration's producer may not overwrite a slot still being
		// read, so close the iteration with a barrier.
		s.Entries = append(s.Entries, Entry{Kind: Barrier, Phase: Steady})
	}
	s.SteadyIters = n

	if stages > 1 {
		s.Entries = append(s.Entries, Entry{Kind: Wait, Phase: Epilogue, MaxOutstanding: 0})
		s.EpilogueIters = 1
	}

	klog.V(1).Infof("schedule: %d-stage loop, trip %d: prologue=%d steady=%d epilogue=%d (%d entries)",
		stages, n, s.PrologueIters, s.SteadyIters, s.EpilogueIters, len(s.Entries))
	return s, nil
}

// appendConsumers emits the compute entries for one iteration, placing a
// barrier between consumers that communicate through shared memory: a
// reader of a shared tile written by an earlier consumer in the same
// iteration must not race ahead of the writing threads.
func (s *Schedule) appendConsumers(g *Graph, iter, stages int) {
	dirty := make(map[*kir.Buffer]bool)
	for _, c := range g.Consumers {
		if _, ok := c.(*kir.BarrierStmt); ok {
			s.Entries = append(s.Entries, Entry{Kind: Barrier, Phase: Steady})
			dirty = make(map[*kir.Buffer]bool)
			continue
		}
		if readsDirtyShared(c, dirty) {
			s.Entries = append(s.Entries, Entry{Kind: Barrier, Phase: Steady})
			dirty = make(map[*kir.Buffer]bool)
		}
		s.Entries = append(s.Entries, Entry{Kind: Compute, Phase: Steady, Stmt: c, Iter: iter, Slot: iter % stages})
		for _, b := range stmtWrites(c) {
			if b.Scope == kir.Shared {
				dirty[b] = true
			}
		}
	}
}

func readsDirtyShared(s kir.Stmt, dirty map[*kir.Buffer]bool) bool {
	if len(dirty) == 0 {
		return false
	}
	if loop, ok := s.(*kir.Loop); ok {
		for _, inner := range loop.Body {
			if readsDirtyShared(inner, dirty) {
				return true
			}
		}
		return false
	}
	for _, v := range kir.Reads(s) {
		if dirty[v.Buf] {
			return true
		}
	}
	return false
}

// issueBatch appends the asynchronous producer batch for one iteration.
func (s *Schedule) issueBatch(g *Graph, phase Phase, iter int) {
	for _, p := range g.Producers {
		s.Entries = append(s.Entries, Entry{Kind: Issue, Phase: phase, Stmt: p, Iter: iter, Slot: iter % s.Stages})
	}
}
