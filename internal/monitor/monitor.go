// Package monitor periodically samples host resources during a run.
//
// The monitor only observes: it logs, warns above thresholds and hands
// samples to an optional callback, but never affects dispatching.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/aceteam-ai/captioner/internal/platform"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultErrorBackoff = 60 * time.Second
	DefaultThreshold    = 90.0
	defaultCPUWindow    = time.Second
)

// Sample is one resource reading.
type Sample struct {
	At            time.Time
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsedGB  float64
	ProcessRSS    uint64
	PeakRSS       uint64
	DiskPercent   float64
	GPUs          []platform.GPUInfo
}

// Options configures a Monitor.
type Options struct {
	// Interval between samples
	Interval time.Duration

	// ErrorBackoff replaces Interval after a failed sample
	ErrorBackoff time.Duration

	// CPUThreshold and MemoryThreshold are warning levels in percent
	CPUThreshold    float64
	MemoryThreshold float64

	// DiskPath is checked for free space when set (usually the output dir)
	DiskPath string

	// GPUs queries device memory (optional)
	GPUs platform.GPUDetector

	// OnSample receives every successful sample (optional)
	OnSample func(Sample)

	// CPUWindow is the measurement window for CPU utilization
	CPUWindow time.Duration

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = DefaultErrorBackoff
	}
	if o.CPUThreshold <= 0 {
		o.CPUThreshold = DefaultThreshold
	}
	if o.MemoryThreshold <= 0 {
		o.MemoryThreshold = DefaultThreshold
	}
	if o.CPUWindow <= 0 {
		o.CPUWindow = defaultCPUWindow
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Monitor samples resources until its context ends.
type Monitor struct {
	opts    Options
	logger  *slog.Logger
	collect func(ctx context.Context) (Sample, error)
}

// New creates a monitor.
func New(opts Options) *Monitor {
	opts.defaults()
	m := &Monitor{opts: opts, logger: opts.Logger}
	m.collect = m.Sample
	return m
}

// Run samples every Interval until ctx is done. A failed sample is logged
// and the next one waits ErrorBackoff instead.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Debug("resource monitor started", "interval", m.opts.Interval)
	for {
		wait := m.opts.Interval
		if err := m.sampleOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("resource sampling failed", "error", err, "retry_in", m.opts.ErrorBackoff)
			wait = m.opts.ErrorBackoff
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			m.logger.Debug("resource monitor stopped")
			return
		case <-t.C:
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while sampling: %v", r)
		}
	}()

	s, err := m.collect(ctx)
	if err != nil {
		return err
	}
	m.report(s)
	if m.opts.OnSample != nil {
		m.opts.OnSample(s)
	}
	return nil
}

func (m *Monitor) report(s Sample) {
	m.logger.Info("resource usage",
		"cpu_percent", round1(s.CPUPercent),
		"memory_percent", round1(s.MemoryPercent),
		"memory_used_gb", round1(s.MemoryUsedGB),
		"process_rss_mb", s.ProcessRSS>>20,
		"peak_rss_mb", s.PeakRSS>>20)

	for _, g := range s.GPUs {
		m.logger.Info("device memory",
			"device", g.Index,
			"used_mb", g.MemoryUsedMB,
			"total_mb", g.MemoryTotalMB,
			"utilization", g.Utilization)
	}

	if s.CPUPercent > m.opts.CPUThreshold {
		m.logger.Warn("high CPU usage", "cpu_percent", round1(s.CPUPercent), "threshold", m.opts.CPUThreshold)
	}
	if s.MemoryPercent > m.opts.MemoryThreshold {
		m.logger.Warn("high memory usage", "memory_percent", round1(s.MemoryPercent), "threshold", m.opts.MemoryThreshold)
	}
	if s.DiskPercent > m.opts.MemoryThreshold {
		m.logger.Warn("output disk nearly full", "disk_percent", round1(s.DiskPercent), "path", m.opts.DiskPath)
	}
}

// Sample takes one reading. CPU and memory failures are errors; process,
// disk and device readings are best effort.
func (m *Monitor) Sample(ctx context.Context) (Sample, error) {
	s := Sample{At: time.Now()}

	percents, err := cpu.PercentWithContext(ctx, m.opts.CPUWindow, false)
	if err != nil {
		return s, fmt.Errorf("cpu: %w", err)
	}
	if len(percents) > 0 {
		s.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("memory: %w", err)
	}
	s.MemoryPercent = vm.UsedPercent
	s.MemoryUsedGB = float64(vm.Used) / (1 << 30)

	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := p.MemoryInfoWithContext(ctx); err == nil {
			s.ProcessRSS = info.RSS
		}
	}
	s.PeakRSS = peakRSS()

	if m.opts.DiskPath != "" {
		if u, err := disk.UsageWithContext(ctx, m.opts.DiskPath); err == nil {
			s.DiskPercent = u.UsedPercent
		}
	}

	if m.opts.GPUs != nil {
		gpus, err := m.opts.GPUs.GetGPUInfo(ctx)
		if err != nil {
			m.logger.Debug("device query failed", "error", err)
		} else {
			s.GPUs = gpus
		}
	}
	return s, nil
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
