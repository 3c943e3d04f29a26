package layout

import (
	"sort"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/loom-gpu/loom/internal/kir"
)

// Plan is the placement result for one kernel: per-buffer layouts plus
// the packed size of the workgroup shared region.
type Plan struct {
	Kernel     *kir.Kernel
	Layouts    map[*kir.Buffer]*Layout
	TotalBytes int
}

// PlanShared packs the kernel's shared buffers into one contiguous
// region and plans a layout for each. Buffers produced inside a
// Pipelined(s) loop are first widened to s stage slots, so in-flight
// iterations never alias; buffers whose live ranges never overlap share
// the same offsets. The region is sized to the maximum total live at any
// statement, not the sum of all footprints.
func PlanShared(k *kir.Kernel, accesses map[*kir.Buffer]Access) (*Plan, error) {
	assignStages(k.Body, 1)

	shared := k.SharedBuffers()
	intervals := liveIntervals(k, shared)
	placeBuffers(shared, intervals)

	total := 0
	for _, b := range shared {
		if end := b.Offset + alignUp(b.TotalByteSize()); end > total {
			total = end
		}
	}

	hints := k.Hints()
	layouts := make(map[*kir.Buffer]*Layout, len(shared))
	for _, b := range shared {
		l, err := PlanLayout(b, accesses[b], hints[b])
		if err != nil {
			return nil, err
		}
		layouts[b] = l
	}

	klog.V(1).Infof("alloc: kernel %q packs %d shared buffers into %s", k.Name, len(shared), humanize.IBytes(uint64(total)))
	return &Plan{Kernel: k, Layouts: layouts, TotalBytes: total}, nil
}

// assignStages widens every buffer written by a copy inside a
// Pipelined(s) loop to s stage slots. Nested pipelined loops multiply.
func assignStages(stmts []kir.Stmt, stages int) {
	for _, s := range stmts {
		switch st := s.(type) {
		case *kir.Loop:
			inner := stages
			if st.Kind == kir.Pipelined {
				inner *= st.Stages
			}
			assignStages(st.Body, inner)
		case *kir.CopyStmt:
			if st.Dst.Buf.Scope == kir.Shared && stages > st.Dst.Buf.Stages {
				st.Dst.Buf.Stages = stages
			}
		}
	}
}

// liveIntervals computes, per shared buffer, the [first, last] top-level
// statement index that touches it (looking through nested loops).
func liveIntervals(k *kir.Kernel, shared []*kir.Buffer) map[*kir.Buffer][2]int {
	intervals := make(map[*kir.Buffer][2]int, len(shared))
	for _, b := range shared {
		intervals[b] = [2]int{len(k.Body), -1}
	}

	var touches func(s kir.Stmt, b *kir.Buffer) bool
	touches = func(s kir.Stmt, b *kir.Buffer) bool {
		if loop, ok := s.(*kir.Loop); ok {
			for _, inner := range loop.Body {
				if touches(inner, b) {
					return true
				}
			}
			return false
		}
		for _, v := range kir.Views(s) {
			if v.Buf == b {
				return true
			}
		}
		return false
	}

	for i, s := range k.Body {
		for _, b := range shared {
			if !touches(s, b) {
				continue
			}
			iv := intervals[b]
			if i < iv[0] {
				iv[0] = i
			}
			if i > iv[1] {
				iv[1] = i
			}
			intervals[b] = iv
		}
	}
	return intervals
}

// placeBuffers assigns byte offsets with a first-fit scan: each buffer
// takes the lowest aligned offset that does not collide with an
// already-placed buffer whose live interval overlaps its own.
func placeBuffers(shared []*kir.Buffer, intervals map[*kir.Buffer][2]int) {
	order := make([]*kir.Buffer, len(shared))
	copy(order, shared)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].TotalByteSize() > order[j].TotalByteSize()
	})

	var placed []*kir.Buffer
	for _, b := range order {
		size := alignUp(b.TotalByteSize())
		offset := 0
		for moved := true; moved; {
			moved = false
			for _, p := range placed {
				if !overlaps(intervals[b], intervals[p]) {
					continue
				}
				pSize := alignUp(p.TotalByteSize())
				if offset < p.Offset+pSize && p.Offset < offset+size {
					offset = p.Offset + pSize
					moved = true
				}
			}
		}
		b.Offset = offset
		placed = append(placed, b)
	}
}

func overlaps(a, b [2]int) bool {
	if a[1] < a[0] || b[1] < b[0] {
		// A buffer nothing touches stays live nowhere; never conflicts.
		return false
	}
	return a[0] <= b[1] && b[0] <= a[1]
}

func alignUp(n int) int {
	return (n + AlignBytes - 1) &^ (AlignBytes - 1)
}
