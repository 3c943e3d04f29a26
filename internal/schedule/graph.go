package schedule

import (
	"github.com/pkg/errors"

	"github.com/loom-gpu/loom/internal/kir"
)

// Graph splits a pipelined loop body into asynchronous producers
// (global-to-shared copies, safe to prefetch ahead of their iteration)
// and consumers (everything else, executed in iteration order after the
// producers they read have resolved).
type Graph struct {
	Producers []*kir.CopyStmt
	Consumers []kir.Stmt

	// produced maps each staged buffer to the producer that fills it.
	produced map[*kir.Buffer]*kir.CopyStmt
}

// ProducerFor returns the producer copy that fills the given buffer, or
// nil if it is not a staged buffer.
func (g *Graph) ProducerFor(b *kir.Buffer) *kir.CopyStmt {
	return g.produced[b]
}

// BuildGraph classifies the loop body and validates producer/consumer
// ordering. preWritten holds buffers already initialized before the loop
// (accumulator fills, earlier copies); reading anything else that no
// producer fills and no earlier body statement wrote is a construction
// error, surfaced as ErrDependency before any schedule is built.
func BuildGraph(body []kir.Stmt, preWritten map[*kir.Buffer]bool) (*Graph, error) {
	g := &Graph{produced: make(map[*kir.Buffer]*kir.CopyStmt)}

	for _, s := range body {
		if cp, ok := s.(*kir.CopyStmt); ok && isAsyncProducer(cp) {
			if prev := g.ProducerFor(cp.Dst.Buf); prev != nil {
				return nil, errors.Wrapf(kir.ErrDependency, "buffer %q is filled by two producers in the same iteration", cp.Dst.Buf.Name)
			}
			g.produced[cp.Dst.Buf] = cp
			g.Producers = append(g.Producers, cp)
			continue
		}
		g.Consumers = append(g.Consumers, s)
	}

	written := make(map[*kir.Buffer]bool, len(preWritten))
	for b := range preWritten {
		written[b] = true
	}
	for _, s := range g.Consumers {
		if err := g.checkReads(s, written); err != nil {
			return nil, err
		}
		for _, w := range stmtWrites(s) {
			written[w] = true
		}
	}
	return g, nil
}

// checkReads verifies every kernel-owned buffer a consumer reads has a
// scheduled producer or an earlier writer, recursing into nested loops.
func (g *Graph) checkReads(s kir.Stmt, written map[*kir.Buffer]bool) error {
	if loop, ok := s.(*kir.Loop); ok {
		for _, inner := range loop.Body {
			if err := g.checkReads(inner, written); err != nil {
				return err
			}
			for _, w := range stmtWrites(inner) {
				written[w] = true
			}
		}
		return nil
	}
	for _, v := range kir.Reads(s) {
		b := v.Buf
		if b.Scope == kir.Global {
			continue
		}
		if g.ProducerFor(b) == nil && !written[b] {
			return errors.Wrapf(kir.ErrDependency, "buffer %q is consumed before any producer is scheduled", b.Name)
		}
	}
	return nil
}

func stmtWrites(s kir.Stmt) []*kir.Buffer {
	var out []*kir.Buffer
	if loop, ok := s.(*kir.Loop); ok {
		for _, inner := range loop.Body {
			out = append(out, stmtWrites(inner)...)
		}
		return out
	}
	for _, v := range kir.Writes(s) {
		out = append(out, v.Buf)
	}
	return out
}

// isAsyncProducer reports whether a copy can be issued ahead of its
// iteration: loads from caller-owned global memory into workgroup
// staging. Only shared destinations carry stage slots for in-flight
// batches; fragment and local destinations are single-slot per-thread
// storage, so copies into them stay on the consumer side of the split
// and run in iteration order. Shared-to-fragment moves read staged
// data, so they stay consumers too.
func isAsyncProducer(cp *kir.CopyStmt) bool {
	return cp.Src.Buf.Scope == kir.Global && cp.Dst.Buf.Scope == kir.Shared
}
