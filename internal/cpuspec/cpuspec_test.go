package cpuspec

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeterminePerformanceCores(t *testing.T) {
	t.Parallel()

	tests := []struct {
		brand string
		board string
		want  int
	}{
		{"12th Gen Intel(R) Core(TM) i7-12700K", "", 8},
		{"13th Gen Intel(R) Core(TM) i5-13400", "", 6},
		{"Intel(R) Core(TM) Ultra 5 225", "", 4},
		{"Apple M2 Max", "", 12},
		{"Apple M1", "", 4},
		{"AMD Ryzen 7 5800X", "", 0},
		{"", "Raspberry Pi 5 Model B Rev 1.0", 4},
		{"", "Raspberry Pi Zero W Rev 1.1", 1},
		{"", "Orange Pi 5 Plus", 4},
		{"Cortex-A76", "Radxa ROCK 5B", 4},
	}

	for _, tt := range tests {
		t.Run(tt.brand+tt.board, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, determinePerformanceCores(tt.brand, tt.board))
		})
	}
}

func TestThreadCountsAreBounded(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, InferenceThreads(1))
	assert.Equal(t, runtime.NumCPU(), InferenceThreads(10_000))
	auto := InferenceThreads(0)
	assert.GreaterOrEqual(t, auto, 1)
	assert.LessOrEqual(t, auto, runtime.NumCPU())

	spec := CPUSpec{Board: "Raspberry Pi 4 Model B", LogicalCores: 4, PerformanceCores: 4}
	assert.True(t, spec.Constrained())
	assert.GreaterOrEqual(t, spec.SuggestedConcurrency(), 1)
	assert.LessOrEqual(t, spec.SuggestedConcurrency(), 2)
}
