package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jameslbarnes/dshield/auditlog"
	"github.com/jameslbarnes/dshield/interfaces"
	"github.com/jameslbarnes/dshield/manifest"
	"github.com/jameslbarnes/dshield/metrics"
	"github.com/jameslbarnes/dshield/proxy"
	"github.com/jameslbarnes/dshield/registry"
	"github.com/jameslbarnes/dshield/sandbox"
)

// RuntimeFunctionID is the reserved log stream for the runtime's own
// request/response entries. It never collides with user function ids, and
// its chain is sequenced independently from every egress chain.
const RuntimeFunctionID = "dshield-runtime"

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler processes HTTP requests for the runtime: function invocation, log
// retrieval, and the manifest registry API.
type Handler struct {
	signer   interfaces.Signer
	verify   interfaces.VerifyFunc
	store    interfaces.LogStore
	recorder *auditlog.Recorder
	registry *registry.Registry
	executor *sandbox.Executor
	proxy    *proxy.Proxy
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// HandlerConfig wires the handler's collaborators. Executor and Proxy may be
// nil for registry-only deployments; the invoke endpoint then reports 503.
type HandlerConfig struct {
	Signer   interfaces.Signer
	Verify   interfaces.VerifyFunc
	Store    interfaces.LogStore
	Recorder *auditlog.Recorder
	Registry *registry.Registry
	Executor *sandbox.Executor
	Proxy    *proxy.Proxy
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// NewHandler creates a new HTTP request handler with the specified dependencies.
func NewHandler(cfg HandlerConfig) *Handler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		signer:   cfg.Signer,
		verify:   cfg.Verify,
		store:    cfg.Store,
		recorder: cfg.Recorder,
		registry: cfg.Registry,
		executor: cfg.Executor,
		proxy:    cfg.Proxy,
		metrics:  cfg.Metrics,
		log:      log,
	}
}

// HandleInvoke executes a function with the request body as its input. The
// surrounding audit middleware has already recorded the request entry and
// installed the invocation id shared by the egress entries the execution
// will produce.
func (h *Handler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	if h.executor == nil || h.proxy == nil {
		writeError(w, http.StatusServiceUnavailable, "function execution is not enabled")
		return
	}

	functionID := chi.URLParam(r, "functionID")
	if functionID == "" {
		writeError(w, http.StatusBadRequest, "missing function id")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	// Route this execution's egress entries into the function's chain.
	h.proxy.SetFunction(functionID)
	invocationID := h.recorder.InvocationID()

	result := h.executor.Execute(r.Context(), functionID, invocationID, body)

	writeJSON(w, http.StatusOK, result)
}

// HandlePublicKey serves the signer's PEM public key so third parties can
// verify chains and manifests.
func (h *Handler) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"publicKey":      string(h.signer.PublicKeyPEM()),
		"keyFingerprint": h.signer.Fingerprint().String(),
	})
}

// HandleGetLogs serves a function's signed chain in wire form.
func (h *Handler) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "functionID")

	entries, err := h.store.GetAll(r.Context(), functionID)
	if err != nil {
		h.log.Error("Failed to read log chain",
			slog.String("functionID", functionID), "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read log chain")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"functionId": functionID,
		"entries":    entries,
		"count":      len(entries),
	})
}

// registerRequest is the body of POST /api/manifests.
type registerRequest struct {
	SignedManifest *manifest.SignedManifest `json:"signedManifest"`
	SetLatest      *bool                    `json:"setLatest,omitempty"`
}

// HandleRegisterManifest registers a signed manifest.
func (h *Handler) HandleRegisterManifest(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil || req.SignedManifest == nil {
		writeError(w, http.StatusBadRequest, "invalid registration request")
		return
	}

	setLatest := true
	if req.SetLatest != nil {
		setLatest = *req.SetLatest
	}

	if err := h.registry.Register(r.Context(), req.SignedManifest, setLatest); err != nil {
		if errors.Is(err, registry.ErrInvalidManifest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("Manifest registration failed", "err", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"manifestId": req.SignedManifest.Manifest.ManifestID,
	})
}

// HandleListManifests lists all registry entries.
func (h *Handler) HandleListManifests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

// HandleGetManifest fetches a manifest by id.
func (h *Handler) HandleGetManifest(w http.ResponseWriter, r *http.Request) {
	sm, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "manifest not found")
		return
	}
	writeJSON(w, http.StatusOK, sm)
}

// HandleDeleteManifest removes a manifest by id.
func (h *Handler) HandleDeleteManifest(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "manifest not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleVerifyManifest verifies a submitted signed manifest without
// registering it.
func (h *Handler) HandleVerifyManifest(w http.ResponseWriter, r *http.Request) {
	var sm manifest.SignedManifest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&sm); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signed manifest")
		return
	}

	result := manifest.Verify(&sm, h.verify, manifest.VerifyOptions{})
	h.countVerification(result.Valid)
	writeJSON(w, http.StatusOK, result)
}

// HandleManifestByHash looks a manifest up by bundle hash.
func (h *Handler) HandleManifestByHash(w http.ResponseWriter, r *http.Request) {
	sm, err := h.registry.ByBundleHash(chi.URLParam(r, "bundleHash"))
	if err != nil {
		writeError(w, http.StatusNotFound, "no manifest for bundle hash")
		return
	}
	writeJSON(w, http.StatusOK, sm)
}

// HandleLatestManifest returns the latest manifest for a client name.
func (h *Handler) HandleLatestManifest(w http.ResponseWriter, r *http.Request) {
	sm, err := h.registry.LatestForName(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "no manifest for name")
		return
	}
	writeJSON(w, http.StatusOK, sm)
}

// HandleManifestChain walks the previous-manifest chain from an id.
func (h *Handler) HandleManifestChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.registry.Chain(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "manifest not found")
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// checkHashRequest is the body of POST /api/manifests/check-hash.
type checkHashRequest struct {
	BundleHash          string   `json:"bundleHash"`
	TrustedFingerprints []string `json:"trustedFingerprints,omitempty"`
}

// HandleCheckBundleHash performs the quick trust check against a bundle hash.
func (h *Handler) HandleCheckBundleHash(w http.ResponseWriter, r *http.Request) {
	var req checkHashRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil || req.BundleHash == "" {
		writeError(w, http.StatusBadRequest, "invalid check request")
		return
	}

	result := h.registry.VerifyBundleHash(req.BundleHash, req.TrustedFingerprints)
	h.countVerification(result.Trusted)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) countVerification(valid bool) {
	if h.metrics == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	h.metrics.ManifestVerifications.WithLabelValues(result).Inc()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
