package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jameslbarnes/dshield/auditlog"
	"github.com/jameslbarnes/dshield/interfaces"
	"github.com/jameslbarnes/dshield/logstore"
	"github.com/jameslbarnes/dshield/signer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startProxy runs a proxy on an ephemeral port backed by a fresh in-memory
// store and returns everything a test needs to inspect the trail.
func startProxy(t *testing.T, functionID string) (*Proxy, *logstore.MemoryStore, *signer.Signer) {
	t.Helper()

	s, err := signer.New()
	require.NoError(t, err)
	store := logstore.NewMemoryStore()
	recorder := auditlog.NewRecorder(s, store, nil, nil, testLogger())

	p := New(Config{
		Port:       0,
		FunctionID: functionID,
		Recorder:   recorder,
		Log:        testLogger(),
	})
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Stop(ctx)
	})

	return p, store, s
}

// proxiedClient returns an http.Client routing through the proxy.
func proxiedClient(t *testing.T, p *Proxy) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse(p.URL())
	require.NoError(t, err)

	return &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Timeout: 10 * time.Second,
	}
}

func TestProxy_ForwardsAndLogsHTTPRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Connection"))
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "upstream says hi")
	}))
	defer upstream.Close()

	p, store, s := startProxy(t, "fn-http")
	client := proxiedClient(t, p)

	before := time.Now().UTC().Add(-time.Second)

	req, err := http.NewRequest(http.MethodGet, upstream.URL+"/test-path", nil)
	require.NoError(t, err)
	req.Header.Set("Proxy-Connection", "keep-alive")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	after := time.Now().UTC().Add(time.Second)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "upstream says hi", string(body))

	entries, err := store.GetAll(context.Background(), "fn-http")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	upstreamURL, _ := url.Parse(upstream.URL)
	wantPort, _ := strconv.Atoi(upstreamURL.Port())

	entry := entries[0]
	assert.Equal(t, interfaces.EgressEntry, entry.Kind)
	assert.Equal(t, uint64(1), entry.Sequence)
	assert.Equal(t, http.MethodGet, entry.Method)
	assert.Equal(t, "127.0.0.1", entry.Host)
	assert.Equal(t, wantPort, entry.Port)
	assert.Equal(t, "/test-path", entry.Path)
	assert.Equal(t, "http", entry.Protocol)
	assert.NotEmpty(t, entry.Signature)
	assert.True(t, entry.Timestamp.After(before) && entry.Timestamp.Before(after))

	result := auditlog.VerifyLogIntegrity(entries, s.PublicKeyPEM(), signer.Verify)
	assert.True(t, result.Valid, "errors: %v", result.Errors)
}

func TestProxy_UpstreamFailureStillLogged(t *testing.T) {
	p, store, _ := startProxy(t, "fn-dead")
	client := proxiedClient(t, p)

	// A port nothing listens on.
	resp, err := client.Get("http://127.0.0.1:1/unreachable")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	entries, err := store.GetAll(context.Background(), "fn-dead")
	require.NoError(t, err)
	require.Len(t, entries, 1, "the attempt must be recorded even though contact failed")
	assert.Equal(t, "/unreachable", entries[0].Path)
}

func TestProxy_ConcurrentBurstSequencesContiguously(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, store, s := startProxy(t, "fn-burst")
	client := proxiedClient(t, p)

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			resp, err := client.Get(fmt.Sprintf("%s/concurrent-%d", upstream.URL, i))
			if assert.NoError(t, err) {
				resp.Body.Close()
			}
		}(i)
	}
	wg.Wait()

	entries, err := store.GetAll(context.Background(), "fn-burst")
	require.NoError(t, err)
	require.Len(t, entries, n)

	sequences := make([]int, n)
	for i, e := range entries {
		sequences[i] = int(e.Sequence)
	}
	sort.Ints(sequences)
	for i := 0; i < n; i++ {
		assert.Equal(t, i+1, sequences[i])
	}

	result := auditlog.VerifyLogIntegrity(entries, s.PublicKeyPEM(), signer.Verify)
	assert.True(t, result.Valid, "errors: %v", result.Errors)
}

func TestProxy_ConnectTunnelLogsTarget(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "tls upstream")
	}))
	defer upstream.Close()

	p, store, _ := startProxy(t, "fn-tls")
	client := proxiedClient(t, p)

	resp, err := client.Get(upstream.URL + "/secret-path")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "tls upstream", string(body))

	entries, err := store.GetAll(context.Background(), "fn-tls")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	upstreamURL, _ := url.Parse(upstream.URL)
	wantPort, _ := strconv.Atoi(upstreamURL.Port())

	entry := entries[0]
	assert.Equal(t, http.MethodConnect, entry.Method)
	assert.Equal(t, "127.0.0.1", entry.Host)
	assert.Equal(t, wantPort, entry.Port)
	assert.Equal(t, "/", entry.Path, "the proxy is blind to the tunneled path")
	assert.Equal(t, "https", entry.Protocol)
}

func TestProxy_RejectsOriginFormRequests(t *testing.T) {
	p, _, _ := startProxy(t, "fn-direct")

	resp, err := http.Get(p.URL() + "/not-a-proxy-request")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProxy_SetFunctionSwitchesChain(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, store, _ := startProxy(t, "fn-first")
	client := proxiedClient(t, p)

	resp, err := client.Get(upstream.URL + "/one")
	require.NoError(t, err)
	resp.Body.Close()

	p.SetFunction("fn-second")
	resp, err = client.Get(upstream.URL + "/two")
	require.NoError(t, err)
	resp.Body.Close()

	ctx := context.Background()
	first, err := store.GetAll(ctx, "fn-first")
	require.NoError(t, err)
	second, err := store.GetAll(ctx, "fn-second")
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, uint64(1), first[0].Sequence)
	assert.Equal(t, uint64(1), second[0].Sequence, "each chain sequences independently")
}

func TestProxy_InvocationCorrelation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, store, _ := startProxy(t, "fn-inv")
	client := proxiedClient(t, p)

	id := p.NewInvocation()
	resp, err := client.Get(upstream.URL + "/a")
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = client.Get(upstream.URL + "/b")
	require.NoError(t, err)
	resp.Body.Close()

	p.SetInvocationID("supplied-externally")
	resp, err = client.Get(upstream.URL + "/c")
	require.NoError(t, err)
	resp.Body.Close()

	entries, err := store.GetAll(context.Background(), "fn-inv")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, id, entries[0].InvocationID)
	assert.Equal(t, id, entries[1].InvocationID)
	assert.Equal(t, "supplied-externally", entries[2].InvocationID)
}

func TestProxy_PortIsEphemeralWhenZero(t *testing.T) {
	p, _, _ := startProxy(t, "fn-port")
	assert.Greater(t, p.Port(), 0)
	assert.Contains(t, p.URL(), fmt.Sprintf(":%d", p.Port()))
}
