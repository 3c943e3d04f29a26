package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForCoversRange(t *testing.T) {
	for _, cfg := range []Config{
		{Enabled: false},
		{Enabled: true, NumWorkers: 4, MinChunkSize: 1},
		{Enabled: true, NumWorkers: 3, MinChunkSize: 2},
	} {
		var hits [17]int32
		For(len(hits), func(i int) {
			atomic.AddInt32(&hits[i], 1)
		}, cfg)
		for i, h := range hits {
			assert.Equal(t, int32(1), h, "index %d, cfg %+v", i, cfg)
		}
	}
}

func TestForBlocksVisitsGrid(t *testing.T) {
	var visited [3][5]int32
	ForBlocks(5, 3, func(bx, by int) {
		atomic.AddInt32(&visited[by][bx], 1)
	}, DefaultConfig())
	for by := range visited {
		for bx, v := range visited[by] {
			assert.Equal(t, int32(1), v, "block (%d,%d)", bx, by)
		}
	}
}
