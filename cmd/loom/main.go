// Package main provides the loom tile-kernel compiler CLI.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loom-gpu/loom/internal/backend/webgpu"
	"github.com/loom-gpu/loom/kernels"
	"github.com/loom-gpu/loom/tile"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	switch os.Args[1] {
	case "version":
		fmt.Printf("loom %s\n", version)
	case "list":
		for _, name := range kernelNames {
			fmt.Println(name)
		}
	case "show":
		withKernel(func(art *tile.Artifact) error {
			fmt.Print(art.Report())
			return nil
		})
	case "emit":
		withKernel(func(art *tile.Artifact) error {
			fmt.Print(art.WGSL)
			return nil
		})
	case "run":
		withKernel(runKernel)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Printf("loom %s - tile kernel compiler\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version          Show version")
	fmt.Println("  list             List built-in kernels")
	fmt.Println("  show <kernel>    Print the lowering report and schedule")
	fmt.Println("  emit <kernel>    Print the emitted WGSL")
	fmt.Println("  run <kernel>     Execute with random inputs (GPU if available)")
}

var kernelNames = []string{"matmul", "dequant_matmul", "flash_attention"}

func withKernel(fn func(art *tile.Artifact) error) {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}
	k, err := buildKernel(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	art, err := tile.Compile(k)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := fn(art); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func buildKernel(name string) (*tile.Kernel, error) {
	switch name {
	case "matmul":
		k, _, err := kernels.Matmul(kernels.DefaultMatmulConfig(256, 256, 256))
		return k, err
	case "dequant_matmul":
		k, _, err := kernels.DequantMatmul(kernels.DefaultDequantMatmulConfig(128, 128, 128))
		return k, err
	case "flash_attention":
		k, _, err := kernels.FlashAttention(kernels.DefaultFlashAttentionConfig(256, 64))
		return k, err
	default:
		return nil, fmt.Errorf("unknown kernel %q (try: loom list)", name)
	}
}

// runKernel binds random inputs, runs the CPU simulator, and dispatches
// on the GPU as well when an adapter is present.
func runKernel(art *tile.Artifact) error {
	rng := rand.New(rand.NewSource(1))
	mem := tile.NewMemory()
	floats := make(map[*tile.Buffer][]float32)
	bytes := make(map[*tile.Buffer][]uint8)
	for _, p := range art.Kernel.Params {
		n := p.NumElements()
		if p.DType == tile.Int8 || p.DType == tile.Uint8 {
			data := make([]uint8, n)
			for i := range data {
				data[i] = uint8(rng.Intn(256))
			}
			bytes[p] = data
			mem.BindBytes(p, data)
			continue
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = rng.Float32() - 0.5
		}
		floats[p] = data
		mem.Bind(p, data)
	}

	fmt.Printf("kernel %q: shared memory %s\n",
		art.Kernel.Name, humanize.IBytes(uint64(art.Plan.TotalBytes)))

	start := time.Now()
	if err := tile.Simulate(art, mem); err != nil {
		return err
	}
	fmt.Printf("simulator: ok in %v\n", time.Since(start))

	if !webgpu.IsAvailable() {
		fmt.Println("webgpu: no adapter, skipping GPU run")
		return nil
	}
	r, err := webgpu.New()
	if err != nil {
		return err
	}
	defer r.Release()
	start = time.Now()
	if err := r.Execute(art, floats, bytes); err != nil {
		return err
	}
	fmt.Printf("webgpu: ok in %v\n", time.Since(start))
	return nil
}
