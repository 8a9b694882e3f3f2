//go:build !linux && !darwin

package monitor

// peakRSS is not available on this platform.
func peakRSS() uint64 {
	return 0
}
