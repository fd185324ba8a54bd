package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jameslbarnes/dshield/interfaces"
)

// MultiStorageBackend implements interfaces.StorageBackend over multiple
// backends with fallback: stores go to every available backend, fetches come
// from the first one that has the content.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new multi-storage backend with fallback.
func NewMultiStorageBackend(backends []interfaces.StorageBackend, log *slog.Logger) *MultiStorageBackend {
	if log == nil {
		log = slog.Default()
	}
	return &MultiStorageBackend{backends: backends, log: log}
}

// Fetch returns the content from the first available backend that has it.
func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	var errs []string

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend", backend.Name()),
				slog.String("contentID", id.String()))
			continue
		}

		data, err := backend.Fetch(ctx, id, contentType)
		if err == nil {
			return data, nil
		}
		errs = append(errs, fmt.Sprintf("%s: %v", backend.Name(), err))
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %s", id, strings.Join(errs, "; "))
}

// Store saves data to all available backends. The store succeeds if at least
// one backend accepted the content.
func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	var stored int
	var errs []string

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend", backend.Name()))
			continue
		}

		if _, err := backend.Store(ctx, data, contentType); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", backend.Name(), err))
			continue
		}
		stored++
	}

	if stored == 0 {
		return id, fmt.Errorf("no backend stored %s: %s", id, strings.Join(errs, "; "))
	}

	if len(errs) > 0 {
		m.log.Warn("Some backends failed to store content",
			slog.String("contentID", id.String()),
			slog.Int("stored", stored),
			slog.String("failures", strings.Join(errs, "; ")))
	}

	return id, nil
}

// Available reports true when at least one backend is accessible.
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns a unique identifier for this storage backend.
func (m *MultiStorageBackend) Name() string {
	names := make([]string, len(m.backends))
	for i, backend := range m.backends {
		names[i] = backend.Name()
	}
	return "multi[" + strings.Join(names, ",") + "]"
}

// LocationURI returns the URIs of all aggregated backends.
func (m *MultiStorageBackend) LocationURI() string {
	uris := make([]string, len(m.backends))
	for i, backend := range m.backends {
		uris[i] = backend.LocationURI()
	}
	return strings.Join(uris, ",")
}
