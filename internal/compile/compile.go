// Package compile drives the lowering pipeline for one kernel: shared
// memory planning, pipeline scheduling, parallel binding resolution and
// code emission. Compilation is stateless per invocation and fails fast
// on the first error; no partial artifacts are emitted.
package compile

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/loom-gpu/loom/internal/bind"
	"github.com/loom-gpu/loom/internal/emit"
	"github.com/loom-gpu/loom/internal/kir"
	"github.com/loom-gpu/loom/internal/layout"
	"github.com/loom-gpu/loom/internal/schedule"
)

// Artifact is the compiled form of a kernel: the shared-memory plan, the
// schedule of each pipelined loop, the resolved thread bindings, and the
// emitted shader source.
type Artifact struct {
	Kernel       *kir.Kernel
	Plan         *layout.Plan
	Schedules    map[*kir.Loop]*schedule.Schedule
	FragBindings map[*kir.Buffer]*bind.Binding
	CopyBindings map[*kir.CopyStmt]*bind.Binding
	WGSL         string
}

// Compile lowers a kernel description end to end.
func Compile(k *kir.Kernel) (*Artifact, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}

	plan, err := layout.PlanShared(k, inferAccesses(k))
	if err != nil {
		return nil, err
	}

	frag, copies, err := resolveBindings(k)
	if err != nil {
		return nil, err
	}

	schedules := make(map[*kir.Loop]*schedule.Schedule)
	preWritten := make(map[*kir.Buffer]bool)
	for _, s := range k.Body {
		if loop, ok := s.(*kir.Loop); ok && loop.Kind == kir.Pipelined {
			sched, err := schedule.SchedulePipeline(loop, preWritten)
			if err != nil {
				return nil, err
			}
			schedules[loop] = sched
		}
		for _, b := range writesOf(s) {
			preWritten[b] = true
		}
	}

	art := &Artifact{
		Kernel:       k,
		Plan:         plan,
		Schedules:    schedules,
		FragBindings: frag,
		CopyBindings: copies,
	}
	art.WGSL, err = emit.WGSL(&emit.Program{
		Kernel:       k,
		Plan:         plan,
		Schedules:    schedules,
		FragBindings: frag,
		CopyBindings: copies,
	})
	if err != nil {
		return nil, err
	}

	klog.V(1).Infof("compile: kernel %q lowered, %d pipelined loop(s), %s shared memory",
		k.Name, len(schedules), humanize.IBytes(uint64(plan.TotalBytes)))
	return art, nil
}

// Report summarizes the artifact for human consumption.
func (a *Artifact) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "kernel %q: grid %dx%d, %d threads, shared %s\n",
		a.Kernel.Name, a.Kernel.GridX, a.Kernel.GridY, a.Kernel.Threads,
		humanize.IBytes(uint64(a.Plan.TotalBytes)))
	for buf, l := range a.Plan.Layouts {
		kind := "identity"
		if l.Swizzled {
			kind = "swizzled"
		}
		fmt.Fprintf(&b, "  shared %s: %v %s, %d stage slot(s), offset %d, %s layout\n",
			buf.Name, buf.Shape, buf.DType, buf.Stages, buf.Offset, kind)
	}
	for _, s := range a.Kernel.Body {
		if loop, ok := s.(*kir.Loop); ok {
			if sched := a.Schedules[loop]; sched != nil {
				b.WriteString(sched.String())
			}
		}
	}
	return b.String()
}

// inferAccesses derives the thread access pattern the layout planner
// keys on. A shared buffer consumed as a matrix-multiply operand is
// walked down its rows by concurrent lanes, which is the conflict-prone
// column-strided pattern; buffers only consumed elementwise are read at
// row-contiguous unit stride.
func inferAccesses(k *kir.Kernel) map[*kir.Buffer]layout.Access {
	accesses := make(map[*kir.Buffer]layout.Access)
	var walk func(stmts []kir.Stmt)
	walk = func(stmts []kir.Stmt) {
		for _, s := range stmts {
			switch st := s.(type) {
			case *kir.Loop:
				walk(st.Body)
			case *kir.GemmStmt:
				for _, v := range []kir.View{st.A, st.B} {
					if v.Buf.Scope == kir.Shared {
						accesses[v.Buf] = layout.Access{ThreadStride: v.Buf.Shape.Cols(), VectorWidth: 1}
					}
				}
			default:
				for _, v := range kir.Reads(s) {
					if v.Buf.Scope == kir.Shared {
						if _, seen := accesses[v.Buf]; !seen {
							accesses[v.Buf] = layout.Access{ThreadStride: 1, VectorWidth: 1}
						}
					}
				}
			}
		}
	}
	walk(k.Body)
	return accesses
}

// resolveBindings picks thread partitions: gemm accumulators get the
// row-per-warp policy when the geometry allows it (matching the operand
// layout the warp primitive wants), every other fragment buffer and all
// cooperative copies get the even row-major split.
func resolveBindings(k *kir.Kernel) (map[*kir.Buffer]*bind.Binding, map[*kir.CopyStmt]*bind.Binding, error) {
	frag := make(map[*kir.Buffer]*bind.Binding)
	copies := make(map[*kir.CopyStmt]*bind.Binding)

	gemmAccs := make(map[*kir.Buffer]bool)
	var scan func(stmts []kir.Stmt) error
	scan = func(stmts []kir.Stmt) error {
		for _, s := range stmts {
			switch st := s.(type) {
			case *kir.Loop:
				if err := scan(st.Body); err != nil {
					return err
				}
			case *kir.GemmStmt:
				gemmAccs[st.Acc.Buf] = true
			}
		}
		return nil
	}
	if err := scan(k.Body); err != nil {
		return nil, nil, err
	}

	for _, b := range k.Allocs {
		if b.Scope != kir.Fragment && b.Scope != kir.Local {
			continue
		}
		extents := kir.Shape{b.Shape.Rows(), b.Shape.Cols()}
		policy := bind.RowMajor
		if gemmAccs[b] && warpFriendly(extents, k.Threads) {
			policy = bind.RowPerWarp
		}
		bd, err := bind.BindParallel(extents, k.Threads, b.DType.Size(), policy)
		if err != nil {
			return nil, nil, err
		}
		frag[b] = bd
	}

	var scanCopies func(stmts []kir.Stmt) error
	scanCopies = func(stmts []kir.Stmt) error {
		for _, s := range stmts {
			switch st := s.(type) {
			case *kir.Loop:
				if err := scanCopies(st.Body); err != nil {
					return err
				}
			case *kir.CopyStmt:
				if st.Src.Buf.Scope == kir.Fragment || st.Src.Buf.Scope == kir.Local ||
					st.Dst.Buf.Scope == kir.Fragment || st.Dst.Buf.Scope == kir.Local {
					continue // addressed through the fragment binding
				}
				if (st.Dst.Rows*st.Dst.Cols)%k.Threads != 0 {
					continue // emitter uses a guarded flat split instead
				}
				bd, err := bind.BindParallel(kir.Shape{st.Dst.Rows, st.Dst.Cols}, k.Threads, st.Dst.Buf.DType.Size(), bind.RowMajor)
				if err != nil {
					return err
				}
				copies[st] = bd
			}
		}
		return nil
	}
	if err := scanCopies(k.Body); err != nil {
		return nil, nil, err
	}
	return frag, copies, nil
}

func warpFriendly(extents kir.Shape, threads int) bool {
	if threads%bind.WarpSize != 0 {
		return false
	}
	warps := threads / bind.WarpSize
	return extents.Rows()%warps == 0 && extents.Cols()%bind.WarpSize == 0
}

func writesOf(s kir.Stmt) []*kir.Buffer {
	var out []*kir.Buffer
	if loop, ok := s.(*kir.Loop); ok {
		for _, inner := range loop.Body {
			out = append(out, writesOf(inner)...)
		}
		return out
	}
	for _, v := range kir.Writes(s) {
		out = append(out, v.Buf)
	}
	return out
}
