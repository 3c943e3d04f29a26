package tile

import (
	"github.com/loom-gpu/loom/internal/compile"
	"github.com/loom-gpu/loom/internal/sim"
)

// Artifact is the compiled form of a kernel: the shared-memory plan, the
// lowered schedules, the resolved thread bindings and the emitted WGSL.
type Artifact = compile.Artifact

// Compile lowers a kernel description end to end, failing fast on the
// first scope, shape, dependency, layout or coverage error.
func Compile(k *Kernel) (*Artifact, error) {
	return compile.Compile(k)
}

// Memory holds caller-owned global buffer storage for simulation.
type Memory = sim.Memory

// NewMemory returns an empty memory binding.
func NewMemory() *Memory { return sim.NewMemory() }

// Simulate executes the compiled artifact on the CPU, following the
// lowered schedule exactly. Outputs are written into the bound slices.
func Simulate(art *Artifact, mem *Memory) error {
	return sim.Run(art, mem)
}
