package sandbox

import (
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// IsolationLevel classifies how strongly the sandbox can enforce proxy
// routing against non-cooperating code.
type IsolationLevel string

const (
	// IsolationFull means all reinforcement layers are available.
	IsolationFull IsolationLevel = "full"
	// IsolationPartial means proxy env vars plus at least one of network
	// namespaces or the loader shim.
	IsolationPartial IsolationLevel = "partial"
	// IsolationMinimal means proxy env vars only.
	IsolationMinimal IsolationLevel = "minimal"
)

// SeccompProfile selects how the syscall filter reacts to violations.
type SeccompProfile string

const (
	// SeccompStrict returns EPERM on violating syscalls.
	SeccompStrict SeccompProfile = "strict"
	// SeccompLogging audits violations without blocking.
	SeccompLogging SeccompProfile = "logging"
	// SeccompParanoid kills the process on violation.
	SeccompParanoid SeccompProfile = "paranoid"
)

// Capabilities describes which reinforcement layers this host supports. The
// result is advisory: the audit pipeline is correct at minimal, the probe
// only bounds the strength of the isolation claim.
type Capabilities struct {
	// NetworkNamespaces is true when unprivileged network namespace
	// tooling is usable (layer 2).
	NetworkNamespaces bool

	// LoaderShim is true when the dynamic-loader interception shim is
	// configured and present (layer 3).
	LoaderShim bool

	// SyscallFilter is true when the kernel supports seccomp filtering
	// (layer 4).
	SyscallFilter bool

	// Level is the resulting classification.
	Level IsolationLevel
}

// DetectCapabilities checks which reinforcement layers are available.
// shimPath is the configured loader shim; empty disables layer 3.
func DetectCapabilities(shimPath string) *Capabilities {
	caps := &Capabilities{}

	if runtime.GOOS == "linux" {
		caps.NetworkNamespaces = checkNetworkNamespaces()
		caps.SyscallFilter = checkSeccomp()

		// LD_PRELOAD interception only works with the Linux dynamic
		// loader.
		if shimPath != "" {
			if _, err := os.Stat(shimPath); err == nil {
				caps.LoaderShim = true
			}
		}
	}

	caps.Level = classify(caps)
	return caps
}

func classify(caps *Capabilities) IsolationLevel {
	if caps.NetworkNamespaces && caps.LoaderShim && caps.SyscallFilter {
		return IsolationFull
	}
	if caps.NetworkNamespaces || caps.LoaderShim {
		return IsolationPartial
	}
	return IsolationMinimal
}

// checkNetworkNamespaces tests whether unprivileged network namespaces can
// be created with the standard tooling.
func checkNetworkNamespaces() bool {
	// The sysctl gate, where present, is authoritative.
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err == nil && strings.TrimSpace(string(data)) == "0" {
		return false
	}
	// File not existing usually means user namespaces are allowed.

	unsharePath, err := exec.LookPath("unshare")
	if err != nil {
		return false
	}

	// Actually try: a net+user namespace running true.
	cmd := exec.Command(unsharePath, "--user", "--net", "--", "true")
	return cmd.Run() == nil
}

// checkSeccomp tests for kernel seccomp filter support.
func checkSeccomp() bool {
	data, err := os.ReadFile("/proc/sys/kernel/seccomp/actions_avail")
	if err != nil {
		// Older kernels predate actions_avail; ask prctl directly.
		return prctlSeccompAvailable()
	}

	// Filtering needs at least errno-returning actions for the strict
	// profile and kill actions for the paranoid one.
	actions := string(data)
	return strings.Contains(actions, "errno") && strings.Contains(actions, "kill")
}
