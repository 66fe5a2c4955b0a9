// Package cpuspec sizes inference thread pools and processing concurrency
// for the host, from desktop hybrid CPUs down to single-board computers.
package cpuspec

import (
	"os"
	"regexp"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// CPUSpec contains information about CPU specifications
type CPUSpec struct {
	BrandName        string
	Board            string // device tree model on SBCs, empty elsewhere
	LogicalCores     int
	PerformanceCores int
	HasNEON          bool
	HasAVX2          bool
}

// readBoardModel is replaced in tests
var readBoardModel = func() string {
	data, err := os.ReadFile("/proc/device-tree/model")
	if err != nil {
		return ""
	}
	return strings.TrimRight(strings.TrimSpace(string(data)), "\x00")
}

// GetCPUSpec returns CPU specifications including the number of performance cores
func GetCPUSpec() CPUSpec {
	brandName := cpuid.CPU.BrandName
	board := readBoardModel()

	logical := cpuid.CPU.LogicalCores
	if logical <= 0 {
		logical = runtime.NumCPU()
	}

	return CPUSpec{
		BrandName:        brandName,
		Board:            board,
		LogicalCores:     logical,
		PerformanceCores: determinePerformanceCores(brandName, board),
		HasNEON:          cpuid.CPU.Supports(cpuid.ASIMD),
		HasAVX2:          cpuid.CPU.Supports(cpuid.AVX2),
	}
}

// Constrained reports whether this looks like a single-board computer
func (c CPUSpec) Constrained() bool {
	return c.Board != "" || (runtime.GOARCH == "arm64" && c.LogicalCores <= 4) || runtime.GOARCH == "arm"
}

// GetOptimalThreadCount returns the recommended number of inference threads
func (c CPUSpec) GetOptimalThreadCount() int {
	availableCPUs := runtime.NumCPU()

	// On hybrid and big.LITTLE parts only the fast cores are worth using
	if c.PerformanceCores > 0 {
		return min(c.PerformanceCores, availableCPUs)
	}
	if c.LogicalCores > 0 {
		return min(c.LogicalCores, availableCPUs)
	}
	return availableCPUs
}

// SuggestedConcurrency is how many clips to process at once. Each clip runs
// its own decoder and inference, so SBCs stay at one or two.
func (c CPUSpec) SuggestedConcurrency() int {
	threads := c.GetOptimalThreadCount()
	if c.Constrained() {
		return max(1, min(2, threads/2))
	}
	return max(1, threads/4)
}

// InferenceThreads resolves a configured thread count, 0 meaning automatic,
// against the host.
func InferenceThreads(configured int) int {
	systemCPUCount := runtime.NumCPU()
	if configured <= 0 {
		if optimal := GetCPUSpec().GetOptimalThreadCount(); optimal > 0 {
			return min(optimal, systemCPUCount)
		}
		return systemCPUCount
	}
	return min(configured, systemCPUCount)
}

var (
	intelCoreRegex = regexp.MustCompile(`intel.*(?:core.*i[3579]-(\d{5})|core.*ultra\s+([579])\s+(?:processor\s+)?(\d{3}))`)
	appleRegex     = regexp.MustCompile(`(?i)apple\s+(m[1234]\s*(pro|max|ultra)?)\s*`)
)

func determinePerformanceCores(brandName, board string) int {
	if n := boardPerformanceCores(strings.ToLower(board)); n > 0 {
		return n
	}

	brandName = strings.ToLower(brandName)

	if matches := intelCoreRegex.FindStringSubmatch(brandName); len(matches) > 1 {
		if matches[1] != "" {
			switch matches[1][:2] {
			case "12", "13", "14":
				switch matches[1][2:] {
				case "900", "700":
					return 8
				case "600", "500", "400":
					return 6
				case "100":
					return 4
				}
			}
		} else if matches[2] != "" {
			switch matches[3] {
			case "285", "265", "255":
				return 8
			case "235":
				return 6
			case "225":
				return 4
			}
		}
	}

	if matches := appleRegex.FindStringSubmatch(brandName); len(matches) > 1 {
		switch strings.Join(strings.Fields(strings.ToLower(matches[1])), " ") {
		case "m1", "m2", "m3":
			return 4
		case "m4":
			return 6
		case "m1 pro", "m1 max", "m2 pro", "m3 pro", "m4 pro":
			return 8
		case "m2 max", "m3 max", "m4 max":
			return 12
		case "m1 ultra":
			return 16
		case "m2 ultra", "m3 ultra":
			return 24
		}
	}

	return 0
}

// boardPerformanceCores maps common SBCs to their big core count
func boardPerformanceCores(board string) int {
	switch {
	case board == "":
		return 0
	case strings.Contains(board, "rk3588"), strings.Contains(board, "orange pi 5"), strings.Contains(board, "rock 5"):
		return 4 // 4x A76 + 4x A55
	case strings.Contains(board, "raspberry pi 5"), strings.Contains(board, "raspberry pi 4"),
		strings.Contains(board, "compute module 4"), strings.Contains(board, "raspberry pi 400"):
		return 4
	case strings.Contains(board, "raspberry pi zero 2"), strings.Contains(board, "raspberry pi 3"):
		return 4
	case strings.Contains(board, "raspberry pi zero"):
		return 1
	}
	return 0
}
