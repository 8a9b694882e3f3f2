//go:build linux || darwin

package monitor

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// peakRSS returns the process's maximum resident set size in bytes.
func peakRSS() uint64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	// Linux reports kilobytes, macOS bytes
	if runtime.GOOS == "darwin" {
		return uint64(ru.Maxrss)
	}
	return uint64(ru.Maxrss) * 1024
}
