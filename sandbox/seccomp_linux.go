//go:build linux

package sandbox

import "golang.org/x/sys/unix"

// prctlSeccompAvailable reports whether the kernel answers PR_GET_SECCOMP,
// which implies seccomp support even on kernels without actions_avail.
func prctlSeccompAvailable() bool {
	_, err := unix.PrctlRetInt(unix.PR_GET_SECCOMP, 0, 0, 0, 0)
	return err == nil
}
