//go:build !linux

package sandbox

// prctlSeccompAvailable: seccomp is a Linux kernel feature.
func prctlSeccompAvailable() bool {
	return false
}
