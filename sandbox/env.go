package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Environment variable names of the child protocol. The names predate this
// runtime; language wrappers and the loader shim already consume them.
const (
	EnvRequest      = "DSHIELD_REQUEST"
	EnvInvocationID = "DSHIELD_INVOCATION_ID"
	EnvFunctionID   = "DSHIELD_FUNCTION_ID"
	EnvProxyHost    = "DSHIELD_PROXY_HOST"
	EnvProxyPort    = "DSHIELD_PROXY_PORT"
	EnvShimLogFile  = "DSHIELD_LOG_FILE"
	EnvShimDebug    = "DSHIELD_DEBUG"
)

// buildEnv constructs the child's environment from scratch. The parent
// environment is not inherited: only PATH, HOME and TMPDIR pass through, so
// secrets in the runtime's environment never reach user code.
func (e *Executor) buildEnv(functionID, invocationID string, request json.RawMessage) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"TMPDIR=" + os.Getenv("TMPDIR"),
	}

	// L1: cooperative proxy routing, both case variants.
	env = append(env,
		"HTTP_PROXY="+e.cfg.ProxyURL,
		"HTTPS_PROXY="+e.cfg.ProxyURL,
		"http_proxy="+e.cfg.ProxyURL,
		"https_proxy="+e.cfg.ProxyURL,
	)

	env = append(env,
		EnvFunctionID+"="+functionID,
		EnvInvocationID+"="+invocationID,
		EnvRequest+"="+string(request),
	)

	// L3: loader shim, when present. The shim gates connect(2)/sendto(2)
	// to loopback and the configured proxy endpoint.
	if e.capabilities.LoaderShim {
		env = append(env,
			"LD_PRELOAD="+e.cfg.ShimPath,
			fmt.Sprintf("%s=%s", EnvProxyHost, e.cfg.ProxyHost),
			fmt.Sprintf("%s=%d", EnvProxyPort, e.cfg.ProxyPort),
		)
		if e.cfg.ShimLogFile != "" {
			env = append(env, EnvShimLogFile+"="+e.cfg.ShimLogFile)
		}
		if e.cfg.ShimDebug {
			env = append(env, EnvShimDebug+"=1")
		}
	}

	if len(e.cfg.ExtraEnv) > 0 {
		keys := make([]string, 0, len(e.cfg.ExtraEnv))
		for k := range e.cfg.ExtraEnv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+e.cfg.ExtraEnv[k])
		}
	}

	return env
}
