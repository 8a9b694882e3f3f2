package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// GPUInfo represents one NVIDIA device as reported by nvidia-smi
type GPUInfo struct {
	Index         int
	Name          string
	MemoryTotalMB uint64
	MemoryUsedMB  uint64
	Temperature   int // °C, 0 when unavailable
	Utilization   int // percent, 0 when unavailable
	Driver        string
}

// MemoryPercent returns used device memory as a percentage of total
func (g GPUInfo) MemoryPercent() float64 {
	if g.MemoryTotalMB == 0 {
		return 0
	}
	return float64(g.MemoryUsedMB) / float64(g.MemoryTotalMB) * 100
}

// GPUDetector queries the compute devices of the host
type GPUDetector interface {
	GetGPUInfo(ctx context.Context) ([]GPUInfo, error)
}

// commandRunner runs an external command and returns its stdout
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// NvidiaDetector implements GPUDetector with nvidia-smi
type NvidiaDetector struct {
	run commandRunner
}

// GetGPUDetector returns the detector for the current host
func GetGPUDetector() GPUDetector {
	return &NvidiaDetector{run: execRunner}
}

var gpuQuery = []string{
	"--query-gpu=index,name,memory.total,memory.used,temperature.gpu,utilization.gpu,driver_version",
	"--format=csv,noheader,nounits",
}

func (d *NvidiaDetector) GetGPUInfo(ctx context.Context) ([]GPUInfo, error) {
	output, err := d.run(ctx, nvidiaSmiPath(), gpuQuery...)
	if err != nil {
		return nil, fmt.Errorf("failed to query NVIDIA GPUs: %w", err)
	}
	return parseGPUInfo(string(output))
}

// parseGPUInfo parses nvidia-smi csv output, one device per line
func parseGPUInfo(output string) ([]GPUInfo, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}

	lines := strings.Split(output, "\n")
	gpus := make([]GPUInfo, 0, len(lines))
	for _, line := range lines {
		parts := strings.Split(line, ",")
		if len(parts) < 7 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		index, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("unexpected nvidia-smi output %q: %w", line, err)
		}
		gpus = append(gpus, GPUInfo{
			Index:         index,
			Name:          parts[1],
			MemoryTotalMB: parseUint(parts[2]),
			MemoryUsedMB:  parseUint(parts[3]),
			Temperature:   parseInt(parts[4]),
			Utilization:   parseInt(parts[5]),
			Driver:        parts[6],
		})
	}
	return gpus, nil
}

// parseUint reads a numeric field; "[N/A]" and friends become 0
func parseUint(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

// GetGPUCount returns the number of GPUs or 0 if detection fails
func GetGPUCount(ctx context.Context, d GPUDetector) int {
	gpus, err := d.GetGPUInfo(ctx)
	if err != nil {
		return 0
	}
	return len(gpus)
}

// FormatGPUInfo returns a human-readable string representation of GPU info
func FormatGPUInfo(gpus []GPUInfo) string {
	if len(gpus) == 0 {
		return "No GPU detected"
	}

	var sb strings.Builder
	for _, gpu := range gpus {
		sb.WriteString(fmt.Sprintf("GPU %d: %s\n", gpu.Index, gpu.Name))
		if gpu.MemoryTotalMB > 0 {
			sb.WriteString(fmt.Sprintf("  Memory: %d / %d MB (%.1f%%)\n", gpu.MemoryUsedMB, gpu.MemoryTotalMB, gpu.MemoryPercent()))
		}
		if gpu.Temperature > 0 {
			sb.WriteString(fmt.Sprintf("  Temperature: %d°C\n", gpu.Temperature))
		}
		sb.WriteString(fmt.Sprintf("  Utilization: %d%%\n", gpu.Utilization))
		if gpu.Driver != "" {
			sb.WriteString(fmt.Sprintf("  Driver: %s\n", gpu.Driver))
		}
	}
	return sb.String()
}

// nvidiaSmiPath prefers the standard Windows install location, then PATH
func nvidiaSmiPath() string {
	if IsWindows() {
		path := `C:\Program Files\NVIDIA Corporation\NVSMI\nvidia-smi.exe`
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return "nvidia-smi"
}
