// Package platform detects host compute devices.
package platform

import "runtime"

// OS returns the current operating system
func OS() string {
	return runtime.GOOS
}

// IsWindows returns true if running on Windows, where nvidia-smi lives
// outside PATH
func IsWindows() bool {
	return runtime.GOOS == "windows"
}
