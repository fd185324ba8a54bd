package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/jameslbarnes/dshield/metrics"
)

// FunctionResponse is the normalized shape of a function's output.
type FunctionResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// FunctionResult is what the executor reports back to the control plane.
type FunctionResult struct {
	Success      bool              `json:"success"`
	Response     *FunctionResponse `json:"response,omitempty"`
	Error        string            `json:"error,omitempty"`
	DurationMs   int64             `json:"durationMs"`
	InvocationID string            `json:"invocationId"`
}

// Config holds configuration for creating an Executor.
type Config struct {
	// Command is the full child command line: interpreter, wrapper script,
	// entry point, handler name. Language wrappers translate the child
	// protocol for their runtime.
	Command []string

	// Dir is the working directory for the child.
	Dir string

	// Timeout bounds each execution; expiry hard-kills the child.
	Timeout time.Duration

	// ProxyURL is the logging proxy's loopback URL; it becomes
	// HTTP_PROXY/HTTPS_PROXY in both case variants.
	ProxyURL string

	// ProxyHost and ProxyPort feed the loader shim's allowlist.
	ProxyHost string
	ProxyPort int

	// ShimPath, when set and present, is injected via LD_PRELOAD.
	ShimPath string

	// ShimLogFile, when set, tells the shim where to append its record of
	// intercepted calls.
	ShimLogFile string

	// ShimDebug turns on the shim's stderr diagnostics.
	ShimDebug bool

	// ExtraEnv are additional environment variables (KEY=VALUE pairs are
	// built from the map).
	ExtraEnv map[string]string

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Logger for sandbox operations.
	Logger *slog.Logger
}

// Executor spawns user code with the proxy-routed environment. One executor
// owns its children exclusively; executions are sequential per instance.
type Executor struct {
	cfg          Config
	capabilities *Capabilities
	log          *slog.Logger
}

// DefaultTimeout bounds executions when the config leaves Timeout zero.
const DefaultTimeout = 30 * time.Second

// NewExecutor creates an executor and probes the reinforcement layers it can
// rely on.
func NewExecutor(cfg Config) (*Executor, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("sandbox command is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	caps := DetectCapabilities(cfg.ShimPath)
	log.Info("Sandbox isolation probed",
		slog.String("level", string(caps.Level)),
		slog.Bool("networkNamespaces", caps.NetworkNamespaces),
		slog.Bool("loaderShim", caps.LoaderShim),
		slog.Bool("syscallFilter", caps.SyscallFilter))

	return &Executor{cfg: cfg, capabilities: caps, log: log}, nil
}

// Capabilities returns the probed isolation capabilities.
func (e *Executor) Capabilities() *Capabilities {
	return e.capabilities
}

// Execute runs the function once. The request JSON is handed to the child on
// stdin and in DSHIELD_REQUEST; the child's stdout must be a single JSON
// value.
func (e *Executor) Execute(ctx context.Context, functionID, invocationID string, request json.RawMessage) FunctionResult {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.Command[0], e.cfg.Command[1:]...)
	cmd.Dir = e.cfg.Dir
	cmd.Env = e.buildEnv(functionID, invocationID, request)
	cmd.Stdin = bytes.NewReader(request)
	// After the hard kill, don't wait on pipes an orphaned grandchild may
	// still hold open.
	cmd.WaitDelay = 100 * time.Millisecond

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.log.Debug("Spawning function child",
		slog.String("functionID", functionID),
		slog.String("invocationID", invocationID),
		slog.String("command", strings.Join(e.cfg.Command, " ")))

	err := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	result := FunctionResult{
		DurationMs:   durationMs,
		InvocationID: invocationID,
	}

	// Timeout beats every other failure mode: the child was killed, its
	// output is meaningless.
	if runCtx.Err() == context.DeadlineExceeded {
		result.Error = fmt.Sprintf("timeout after %dms", e.cfg.Timeout.Milliseconds())
		e.count("timeout", start)
		e.log.Warn("Function timed out",
			slog.String("functionID", functionID),
			slog.Int64("durationMs", durationMs))
		return result
	}

	if err != nil {
		stderrText := strings.TrimSpace(stderr.String())
		if stderrText == "" {
			stderrText = err.Error()
		}
		result.Error = stderrText
		e.count("error", start)
		return result
	}

	response, perr := normalizeResponse(stdout.Bytes())
	if perr != nil {
		result.Error = "invalid function response"
		e.count("error", start)
		e.log.Warn("Function produced unparseable output",
			slog.String("functionID", functionID),
			"err", perr)
		return result
	}

	result.Success = true
	result.Response = response
	e.count("success", start)
	return result
}

// normalizeResponse interprets the child's stdout: a {statusCode, headers?,
// body} object is preserved; any other JSON value is wrapped as a 200
// application/json response.
func normalizeResponse(output []byte) (*FunctionResponse, error) {
	trimmed := bytes.TrimSpace(output)
	if len(trimmed) == 0 {
		return nil, errors.New("empty output")
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err == nil {
		if _, ok := probe["statusCode"]; ok {
			var response FunctionResponse
			if err := json.Unmarshal(trimmed, &response); err != nil {
				return nil, err
			}
			if response.StatusCode == 0 {
				response.StatusCode = 200
			}
			return &response, nil
		}
	}

	// Not a response object; must still be valid JSON to wrap.
	if !json.Valid(trimmed) {
		return nil, errors.New("output is not valid JSON")
	}

	return &FunctionResponse{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       json.RawMessage(trimmed),
	}, nil
}

func (e *Executor) count(status string, start time.Time) {
	if e.cfg.Metrics == nil {
		return
	}
	e.cfg.Metrics.SandboxExecutions.WithLabelValues(status).Inc()
	e.cfg.Metrics.SandboxDuration.Observe(time.Since(start).Seconds())
}
