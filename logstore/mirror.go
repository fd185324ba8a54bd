package logstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jameslbarnes/dshield/interfaces"
)

// MirroredStore replicates the audit trail across several backends. Appends
// must succeed on every backend — a partial append would let chains diverge
// — while reads are served by the first available backend.
type MirroredStore struct {
	backends []interfaces.LogStore
	log      *slog.Logger
}

// NewMirroredStore creates a mirrored store over the given backends.
func NewMirroredStore(backends []interfaces.LogStore, log *slog.Logger) *MirroredStore {
	if log == nil {
		log = slog.Default()
	}
	return &MirroredStore{backends: backends, log: log}
}

// Append writes the entry to every backend. Any failure fails the append.
func (m *MirroredStore) Append(ctx context.Context, entry interfaces.SignedLogEntry) error {
	for _, backend := range m.backends {
		if err := backend.Append(ctx, entry); err != nil {
			m.log.Error("Mirrored append failed",
				slog.String("backend", backend.Name()),
				slog.String("functionID", entry.FunctionID),
				slog.Uint64("sequence", entry.Sequence),
				"err", err)
			return fmt.Errorf("%s: %w", backend.Name(), err)
		}
	}
	return nil
}

// GetAll reads from the first available backend.
func (m *MirroredStore) GetAll(ctx context.Context, functionID string) ([]interfaces.SignedLogEntry, error) {
	var errs []string
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		entries, err := backend.GetAll(ctx, functionID)
		if err == nil {
			return entries, nil
		}
		errs = append(errs, fmt.Sprintf("%s: %v", backend.Name(), err))
	}
	return nil, fmt.Errorf("all backends failed to read %s: %s", functionID, strings.Join(errs, "; "))
}

// GetLatestSequence reads from the first available backend.
func (m *MirroredStore) GetLatestSequence(ctx context.Context, functionID string) (uint64, error) {
	var errs []string
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		latest, err := backend.GetLatestSequence(ctx, functionID)
		if err == nil {
			return latest, nil
		}
		errs = append(errs, fmt.Sprintf("%s: %v", backend.Name(), err))
	}
	return 0, fmt.Errorf("all backends failed to read latest sequence for %s: %s", functionID, strings.Join(errs, "; "))
}

// Available reports true only when every backend is reachable, since appends
// need all of them.
func (m *MirroredStore) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			return false
		}
	}
	return true
}

// Name returns a unique identifier for this store.
func (m *MirroredStore) Name() string {
	names := make([]string, len(m.backends))
	for i, backend := range m.backends {
		names[i] = backend.Name()
	}
	return "mirror[" + strings.Join(names, ",") + "]"
}
