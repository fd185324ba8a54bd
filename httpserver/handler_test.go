package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jameslbarnes/dshield/auditlog"
	"github.com/jameslbarnes/dshield/interfaces"
	"github.com/jameslbarnes/dshield/logstore"
	"github.com/jameslbarnes/dshield/manifest"
	"github.com/jameslbarnes/dshield/registry"
	"github.com/jameslbarnes/dshield/signer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type handlerFixture struct {
	handler *Handler
	store   *logstore.MemoryStore
	signer  *signer.Signer
	mux     *chi.Mux
}

func newFixture(t *testing.T) *handlerFixture {
	t.Helper()

	s, err := signer.New()
	require.NoError(t, err)
	store := logstore.NewMemoryStore()
	recorder := auditlog.NewRecorder(s, store, nil, nil, testLogger())
	reg := registry.New(signer.Verify, nil, testLogger())

	handler := NewHandler(HandlerConfig{
		Signer:   s,
		Verify:   signer.Verify,
		Store:    store,
		Recorder: recorder,
		Registry: reg,
		Log:      testLogger(),
	})

	mux := chi.NewRouter()
	mux.Get("/api/public-key", handler.HandlePublicKey)
	mux.Get("/api/logs/{functionID}", handler.HandleGetLogs)
	mux.Post("/api/manifests", handler.HandleRegisterManifest)
	mux.Get("/api/manifests", handler.HandleListManifests)
	mux.Get("/api/manifests/{id}", handler.HandleGetManifest)
	mux.Delete("/api/manifests/{id}", handler.HandleDeleteManifest)
	mux.Post("/api/manifests/verify", handler.HandleVerifyManifest)
	mux.Get("/api/manifests/by-hash/{bundleHash}", handler.HandleManifestByHash)
	mux.Get("/api/manifests/latest/{name}", handler.HandleLatestManifest)
	mux.Get("/api/manifests/chain/{id}", handler.HandleManifestChain)
	mux.Post("/api/manifests/check-hash", handler.HandleCheckBundleHash)

	return &handlerFixture{handler: handler, store: store, signer: s, mux: mux}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func testSignedManifest(t *testing.T, s *signer.Signer, name string) *manifest.SignedManifest {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("content for "+name), 0644))

	m, err := manifest.Generate(dir, manifest.GenerateOptions{Name: name, ClientType: "web", Version: "1.0.0"})
	require.NoError(t, err)
	sm, err := manifest.Sign(m, s)
	require.NoError(t, err)
	return sm
}

func TestHandlePublicKey(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/public-key", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(f.signer.PublicKeyPEM()), resp["publicKey"])
	assert.Equal(t, f.signer.Fingerprint().String(), resp["keyFingerprint"])
}

func TestHandleGetLogs_ServesWireForm(t *testing.T) {
	f := newFixture(t)

	recorder := auditlog.NewRecorder(f.signer, f.store, nil, nil, testLogger())
	_, err := recorder.Append(context.Background(), interfaces.LogEntry{
		Kind:       interfaces.EgressEntry,
		FunctionID: "fn-logs",
		Method:     "GET",
		Host:       "example.com",
		Port:       80,
		Path:       "/",
		Protocol:   "http",
	})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/logs/fn-logs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		FunctionID string                      `json:"functionId"`
		Entries    []interfaces.SignedLogEntry `json:"entries"`
		Count      int                         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "fn-logs", resp.FunctionID)
	require.Equal(t, 1, resp.Count)

	// Clients verify by stripping the signature and re-canonicalizing.
	result := auditlog.VerifyLogIntegrity(resp.Entries, f.signer.PublicKeyPEM(), signer.Verify)
	assert.True(t, result.Valid, "errors: %v", result.Errors)
}

func TestManifestAPI_RegisterFetchDelete(t *testing.T) {
	f := newFixture(t)
	sm := testSignedManifest(t, f.signer, "web-client")

	w := f.do(t, http.MethodPost, "/api/manifests", map[string]interface{}{"signedManifest": sm})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/api/manifests/"+sm.Manifest.ManifestID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var fetched manifest.SignedManifest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.Equal(t, sm.Manifest.BundleHash, fetched.Manifest.BundleHash)

	w = f.do(t, http.MethodGet, "/api/manifests/by-hash/"+sm.Manifest.BundleHash, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/manifests/latest/web-client", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodDelete, "/api/manifests/"+sm.Manifest.ManifestID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/manifests/"+sm.Manifest.ManifestID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestManifestAPI_RegisterRejectsTampered(t *testing.T) {
	f := newFixture(t)
	sm := testSignedManifest(t, f.signer, "web-client")
	sm.Manifest.Version = "tampered"

	w := f.do(t, http.MethodPost, "/api/manifests", map[string]interface{}{"signedManifest": sm})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestManifestAPI_VerifyEndpoint(t *testing.T) {
	f := newFixture(t)
	sm := testSignedManifest(t, f.signer, "web-client")

	w := f.do(t, http.MethodPost, "/api/manifests/verify", sm)
	require.Equal(t, http.StatusOK, w.Code)

	var result manifest.VerificationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Valid, "errors: %v", result.Errors)

	sm.Manifest.Name = "someone-else"
	w = f.do(t, http.MethodPost, "/api/manifests/verify", sm)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.False(t, result.Valid)
}

func TestManifestAPI_ChainWalk(t *testing.T) {
	f := newFixture(t)

	v1 := testSignedManifest(t, f.signer, "web-client")
	v2 := testSignedManifest(t, f.signer, "web-client")

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/manifests", map[string]interface{}{"signedManifest": v1}).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/manifests", map[string]interface{}{"signedManifest": v2}).Code)

	w := f.do(t, http.MethodGet, "/api/manifests/chain/"+v2.Manifest.ManifestID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var chain []manifest.SignedManifest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chain))
	require.Len(t, chain, 2)
	assert.Equal(t, v2.Manifest.ManifestID, chain[0].Manifest.ManifestID)
	assert.Equal(t, v1.Manifest.ManifestID, chain[1].Manifest.ManifestID)
}

func TestManifestAPI_CheckHash(t *testing.T) {
	f := newFixture(t)
	sm := testSignedManifest(t, f.signer, "web-client")
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/manifests", map[string]interface{}{"signedManifest": sm}).Code)

	w := f.do(t, http.MethodPost, "/api/manifests/check-hash", map[string]interface{}{"bundleHash": sm.Manifest.BundleHash})
	require.Equal(t, http.StatusOK, w.Code)

	var result registry.BundleHashResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Known)
	assert.True(t, result.Trusted)

	w = f.do(t, http.MethodPost, "/api/manifests/check-hash", map[string]interface{}{
		"bundleHash":          sm.Manifest.BundleHash,
		"trustedFingerprints": []string{"unlisted"},
	})
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.False(t, result.Trusted)
}

func TestAuditMiddleware_RecordsRequestAndResponse(t *testing.T) {
	f := newFixture(t)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"input":1}`, string(body), "the middleware must re-provide the body it hashed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, `{"out":2}`)
	})

	wrapped := f.handler.AuditMiddleware(inner)

	req := httptest.NewRequest(http.MethodPost, "/api/functions/fn-x/invoke", bytes.NewReader([]byte(`{"input":1}`)))
	req.RemoteAddr = "192.0.2.9:51234"
	req.Header.Set("X-Client-Id", "client-42")
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, `{"out":2}`, w.Body.String())

	entries, err := f.store.GetAll(context.Background(), RuntimeFunctionID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	request, response := entries[0], entries[1]
	assert.Equal(t, interfaces.RequestEntry, request.Kind)
	assert.Equal(t, uint64(1), request.Sequence)
	assert.Equal(t, http.MethodPost, request.Method)
	assert.Equal(t, "/api/functions/fn-x/invoke", request.Path)
	assert.Equal(t, "192.0.2.9", request.SourceIP)
	assert.Equal(t, "client-42", request.ClientID)
	assert.Equal(t, int64(len(`{"input":1}`)), request.RequestSize)
	assert.Len(t, request.RequestHash, 64)

	assert.Equal(t, interfaces.ResponseEntry, response.Kind)
	assert.Equal(t, uint64(2), response.Sequence)
	assert.Equal(t, request.Sequence, response.RequestSeq)
	assert.Equal(t, http.StatusTeapot, response.Status)
	assert.Equal(t, int64(len(`{"out":2}`)), response.ResponseSize)
	assert.Len(t, response.ResponseHash, 64)
	assert.GreaterOrEqual(t, response.DurationMs, int64(0))

	// Both entries correlate through one invocation id.
	assert.Equal(t, request.InvocationID, response.InvocationID)
	assert.NotEmpty(t, request.InvocationID)

	// The runtime chain itself verifies.
	result := auditlog.VerifyLogIntegrity(entries, f.signer.PublicKeyPEM(), signer.Verify)
	assert.True(t, result.Valid, "errors: %v", result.Errors)
}

func TestAuditMiddleware_ChainIndependentFromEgress(t *testing.T) {
	f := newFixture(t)

	// An egress entry in some function chain first.
	recorder := auditlog.NewRecorder(f.signer, f.store, nil, nil, testLogger())
	_, err := recorder.Append(context.Background(), interfaces.LogEntry{
		Kind:       interfaces.EgressEntry,
		FunctionID: "fn-egress",
		Method:     "GET",
		Host:       "example.com",
		Port:       80,
		Path:       "/",
		Protocol:   "http",
	})
	require.NoError(t, err)

	wrapped := f.handler.AuditMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/functions/fn-egress/invoke", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	runtime, err := f.store.GetAll(context.Background(), RuntimeFunctionID)
	require.NoError(t, err)
	require.Len(t, runtime, 2)
	assert.Equal(t, uint64(1), runtime[0].Sequence, "the runtime chain starts at 1 regardless of egress chains")
}
