package sim

import "math"

const maxFloat32 = math.MaxFloat32

func exp32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
