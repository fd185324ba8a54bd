package httpserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jameslbarnes/dshield/interfaces"
)

// AuditMiddleware records the inbound request and the outbound response as
// signed entries in the runtime's own chain. The request entry is committed
// before user code runs; the response entry is committed just before the
// response bytes reach the client, with a back-reference to the request's
// sequence number.
//
// The middleware also starts the invocation: it installs a fresh invocation
// id on the recorder so the egress entries produced while handling this
// request share it.
func (h *Handler) AuditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		invocationID := uuid.NewString()
		h.recorder.SetInvocationID(invocationID)

		bodyHash := sha256.Sum256(body)
		requestEntry := interfaces.LogEntry{
			Kind:         interfaces.RequestEntry,
			FunctionID:   RuntimeFunctionID,
			InvocationID: invocationID,
			Method:       r.Method,
			Path:         r.URL.Path,
			SourceIP:     sourceIP(r),
			ClientID:     r.Header.Get("X-Client-Id"),
			RequestSize:  int64(len(body)),
			RequestHash:  hex.EncodeToString(bodyHash[:]),
		}

		signedRequest, err := h.recorder.Append(r.Context(), requestEntry)
		if err != nil {
			// No audit entry, no execution.
			h.log.Error("Failed to record request entry", "err", err)
			writeError(w, http.StatusBadGateway, "audit trail unavailable")
			return
		}

		// Buffer the response so its entry is committed before any byte
		// reaches the client.
		recorder := &responseBuffer{status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		responseHash := sha256.Sum256(recorder.body.Bytes())
		responseEntry := interfaces.LogEntry{
			Kind:         interfaces.ResponseEntry,
			FunctionID:   RuntimeFunctionID,
			InvocationID: invocationID,
			RequestSeq:   signedRequest.Sequence,
			Status:       recorder.status,
			ResponseSize: int64(recorder.body.Len()),
			ResponseHash: hex.EncodeToString(responseHash[:]),
			DurationMs:   time.Since(start).Milliseconds(),
		}

		if _, err := h.recorder.Append(r.Context(), responseEntry); err != nil {
			h.log.Error("Failed to record response entry",
				slog.Uint64("requestSeq", signedRequest.Sequence), "err", err)
			writeError(w, http.StatusBadGateway, "audit trail unavailable")
			return
		}

		for name, values := range recorder.header {
			for _, value := range values {
				w.Header().Add(name, value)
			}
		}
		w.WriteHeader(recorder.status)
		w.Write(recorder.body.Bytes())
	})
}

// responseBuffer captures the handler's response for hashing before flush.
type responseBuffer struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func (b *responseBuffer) Header() http.Header {
	if b.header == nil {
		b.header = make(http.Header)
	}
	return b.header
}

func (b *responseBuffer) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.status = status
	b.wroteHeader = true
}

func (b *responseBuffer) Write(data []byte) (int, error) {
	return b.body.Write(data)
}

// sourceIP extracts the client address: the X-Forwarded-For header value,
// taken as is whenever present, otherwise the host part of RemoteAddr.
func sourceIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
