package fsutil

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	// Try to read /proc/meminfo for more accurate available memory
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return int64(sysinfo.Freeram) * int64(sysinfo.Unit) / (1024 * 1024), nil
}

// EstimateRunMemory estimates the working set of a sharpening run in MB:
// the fine predictor stack, the mosaic accumulators and one extended window
// tile per worker.
func EstimateRunMemory(fineCols, fineRows, predictors, ratio, windowSize, workers int) int64 {
	fine := int64(fineCols) * int64(fineRows)
	stack := fine * int64(predictors+3) // predictors, output, weight sums, validity
	side := int64(2*windowSize*ratio) * int64(2*windowSize*ratio)
	tiles := side * int64(workers) * 2
	return (stack + tiles) * 8 / (1024 * 1024)
}

// CheckRunMemory logs whether the estimated working set fits in available RAM.
// It returns false only when the estimate clearly exceeds what is available.
func CheckRunMemory(requiredMB int64, logger *slog.Logger) bool {
	available, err := GetSystemMemory()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to get system memory info", "error", err)
		}
		return true
	}

	if logger != nil {
		logger.Debug("memory feasibility check",
			"available_ram_mb", available,
			"estimated_run_mb", requiredMB,
		)
	}
	if requiredMB > available {
		if logger != nil {
			logger.Warn("sharpening run may exceed available memory",
				"available_ram_mb", available,
				"required_mb", requiredMB,
			)
		}
		return false
	}
	return true
}
