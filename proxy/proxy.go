// Package proxy implements the logging forward proxy: every outbound request
// a sandboxed function makes — plain HTTP in absolute-URI form or an HTTPS
// CONNECT tunnel — produces a signed egress entry before any bytes are
// forwarded upstream.
//
// Logging before forwarding is deliberate: the audit claim is "this function
// attempted contact with this host", which must hold even when the upstream
// is unreachable. The proxy is blind to TLS stream contents; for tunnels it
// records the target endpoint and splices bytes.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/jameslbarnes/dshield/auditlog"
	"github.com/jameslbarnes/dshield/interfaces"
	"github.com/jameslbarnes/dshield/metrics"
)

// Config configures a logging proxy instance.
type Config struct {
	// Port to bind on loopback; 0 selects an ephemeral port.
	Port int

	// FunctionID is the initial log stream for egress entries; the invoke
	// handler updates it per execution via SetFunction.
	FunctionID string

	// Recorder signs and persists entries under the sequencing discipline.
	Recorder *auditlog.Recorder

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Log for operational insights.
	Log *slog.Logger
}

// Proxy is a loopback HTTP/1.1 forward proxy with a signed audit trail. One
// proxy instance serves one sandbox; invocation correlation assumes a single
// active invocation at a time.
type Proxy struct {
	recorder *auditlog.Recorder
	metrics  *metrics.Metrics
	log      *slog.Logger

	srv      *http.Server
	listener net.Listener
	port     atomic.Int32
	running  atomic.Bool

	// Upstream transport for plain-HTTP forwards. Proxy configuration is
	// explicitly empty: the proxy must never route through itself.
	transport *http.Transport

	mu         sync.RWMutex
	functionID string

	tunnels sync.WaitGroup
}

// New creates a proxy; call Start to bind it.
func New(cfg Config) *Proxy {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	p := &Proxy{
		recorder:   cfg.Recorder,
		metrics:    cfg.Metrics,
		log:        log,
		functionID: cfg.FunctionID,
		transport: &http.Transport{
			Proxy: nil,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	p.port.Store(int32(cfg.Port))

	p.srv = &http.Server{
		Handler: http.HandlerFunc(p.handle),
		// No WriteTimeout: proxied responses may stream for a long time.
		ReadHeaderTimeout: 30 * time.Second,
	}

	return p
}

// Start binds the loopback listener. With a configured port of 0 the OS
// chooses an ephemeral port, available through Port afterwards.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p.port.Load()))
	if err != nil {
		return fmt.Errorf("failed to bind proxy listener: %w", err)
	}

	p.listener = listener
	p.port.Store(int32(listener.Addr().(*net.TCPAddr).Port))
	p.running.Store(true)

	go func() {
		if err := p.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("Proxy server stopped", "err", err)
		}
	}()

	p.log.Info("Logging proxy started", slog.Int("port", p.Port()))
	return nil
}

// Port returns the actual bound port.
func (p *Proxy) Port() int {
	return int(p.port.Load())
}

// URL returns the proxy URL sandboxed clients should use.
func (p *Proxy) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", p.Port())
}

// Stop drains in-flight connections — including hijacked tunnels — and
// closes the listener. Connections are not forcibly killed; ctx bounds the
// wait.
func (p *Proxy) Stop(ctx context.Context) error {
	p.running.Store(false)

	err := p.srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		p.tunnels.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// SetFunction switches the log stream for subsequent egress entries.
func (p *Proxy) SetFunction(functionID string) {
	p.mu.Lock()
	p.functionID = functionID
	p.mu.Unlock()
}

// FunctionID returns the current log stream.
func (p *Proxy) FunctionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.functionID
}

// NewInvocation starts a fresh invocation on the underlying recorder.
func (p *Proxy) NewInvocation() string {
	return p.recorder.NewInvocation()
}

// SetInvocationID installs an externally generated invocation id.
func (p *Proxy) SetInvocationID(id string) {
	p.recorder.SetInvocationID(id)
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	if !p.running.Load() {
		http.Error(w, "proxy is shutting down", http.StatusServiceUnavailable)
		return
	}

	if r.Method == http.MethodConnect {
		p.handleTunnel(w, r)
		return
	}

	if !r.URL.IsAbs() {
		http.Error(w, "this is a forwarding proxy; absolute-URI request form required", http.StatusBadRequest)
		return
	}

	p.handleForward(w, r)
}

// handleForward serves the plain-HTTP proxy path: log, then forward.
func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	port := 80
	if portStr := r.URL.Port(); portStr != "" {
		port, _ = strconv.Atoi(portStr)
	}

	entry := interfaces.LogEntry{
		Kind:       interfaces.EgressEntry,
		FunctionID: p.FunctionID(),
		Method:     r.Method,
		Host:       host,
		Port:       port,
		Path:       r.URL.RequestURI(),
		Protocol:   "http",
	}

	if _, err := p.recorder.Append(r.Context(), entry); err != nil {
		// Without a committed entry the request must not leave the
		// proxy: the audit trail would be incomplete.
		p.log.Error("Aborting forward: egress entry not committed",
			slog.String("host", host), "err", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	p.countEgress("http")

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	outReq.Header = filterProxyHeaders(r.Header)
	outReq.ContentLength = r.ContentLength

	resp, err := p.transport.RoundTrip(outReq)
	if err != nil {
		// The entry stands: contact was attempted.
		if p.metrics != nil {
			p.metrics.ProxyUpstreamErrors.Inc()
		}
		p.log.Warn("Upstream unreachable",
			slog.String("host", host),
			slog.Int("port", port),
			"err", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.Debug("Response stream interrupted", "err", err)
	}
}

// handleTunnel serves CONNECT: log the target, dial it, splice bytes until
// either side closes.
func (p *Proxy) handleTunnel(w http.ResponseWriter, r *http.Request) {
	host, portStr, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
		portStr = "443"
	}
	port, _ := strconv.Atoi(portStr)

	entry := interfaces.LogEntry{
		Kind:       interfaces.EgressEntry,
		FunctionID: p.FunctionID(),
		Method:     http.MethodConnect,
		Host:       host,
		Port:       port,
		Path:       "/",
		Protocol:   "https",
	}

	if _, err := p.recorder.Append(r.Context(), entry); err != nil {
		p.log.Error("Aborting tunnel: egress entry not committed",
			slog.String("host", host), "err", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	p.countEgress("https")

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, portStr), 10*time.Second)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ProxyUpstreamErrors.Inc()
		}
		p.log.Warn("Tunnel target unreachable",
			slog.String("host", host),
			slog.Int("port", port),
			"err", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "tunneling not supported", http.StatusInternalServerError)
		return
	}

	client, buffered, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		p.log.Error("Failed to hijack client connection", "err", err)
		return
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	p.tunnels.Add(1)
	go func() {
		defer p.tunnels.Done()
		p.splice(client, buffered, upstream)
	}()
}

// splice copies bytes in both directions until one side closes, then tears
// both connections down. The TLS stream passes through opaque.
func (p *Proxy) splice(client net.Conn, buffered io.Reader, upstream net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		// Bytes the server already buffered from the client go first.
		io.Copy(upstream, buffered)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		done <- struct{}{}
	}()

	<-done
	client.Close()
	upstream.Close()
	<-done
}

// filterProxyHeaders copies headers, dropping the proxy-control headers that
// must not reach the upstream.
func filterProxyHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		switch http.CanonicalHeaderKey(name) {
		case "Proxy-Connection", "Proxy-Authorization":
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func (p *Proxy) countEgress(protocol string) {
	if p.metrics == nil {
		return
	}
	fn := p.FunctionID()
	if strings.TrimSpace(fn) == "" {
		fn = "unknown"
	}
	p.metrics.EgressTotal.WithLabelValues(fn, protocol).Inc()
}
