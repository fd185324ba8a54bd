// Package sandbox executes user functions as child processes whose network
// traffic is routed through the logging proxy.
//
// The first interception layer is cooperative: HTTP_PROXY/HTTPS_PROXY (both
// case variants) point at the proxy, which compliant HTTP clients honour.
// Optional reinforcement layers — network namespaces, a dynamic-loader
// interception shim, and a kernel syscall filter — strengthen the claim
// against non-compliant code; their availability is probed at startup (see
// capabilities.go) and the executor declares the resulting isolation level.
//
// The child protocol: the function request arrives as JSON on stdin and in
// DSHIELD_REQUEST; the child writes a single JSON response to stdout. A
// wall-clock timeout hard-kills the child.
package sandbox
