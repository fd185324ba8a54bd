// Package registry maintains the signed manifest registry: lookup by id, by
// bundle hash and by client name, plus the version chain linking each
// manifest to the one it superseded.
//
// Registries are constructed instances with injected dependencies; there is
// no package-level state.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jameslbarnes/dshield/interfaces"
	"github.com/jameslbarnes/dshield/manifest"
)

var (
	// ErrManifestNotFound is returned when no manifest matches the lookup.
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrInvalidManifest is returned when a manifest is rejected at
	// registration.
	ErrInvalidManifest = errors.New("invalid manifest")
)

// Registry stores signed manifests with secondary indices. Optionally writes
// manifests through to a content-addressed storage backend so they survive
// restarts and can be fetched by bundle hash from replicas.
type Registry struct {
	verify  interfaces.VerifyFunc
	backend interfaces.StorageBackend
	log     *slog.Logger

	mu           sync.RWMutex
	byID         map[string]*manifest.SignedManifest
	byBundleHash map[string]string // bundleHash -> manifestId
	latestByName map[string]string // name -> latest manifestId
	previous     map[string]string // manifestId -> previous manifestId
}

// New creates an empty registry. backend may be nil for purely in-memory
// operation.
func New(verify interfaces.VerifyFunc, backend interfaces.StorageBackend, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		verify:       verify,
		backend:      backend,
		log:          log,
		byID:         make(map[string]*manifest.SignedManifest),
		byBundleHash: make(map[string]string),
		latestByName: make(map[string]string),
		previous:     make(map[string]string),
	}
}

// Register validates and stores a signed manifest. When setLatest is true
// (the default for new names) the manifest becomes the latest for its name,
// and the previously latest manifest becomes its chain predecessor.
func (r *Registry) Register(ctx context.Context, sm *manifest.SignedManifest, setLatest bool) error {
	if sm.Manifest.ManifestID == "" {
		return fmt.Errorf("%w: missing manifest id", ErrInvalidManifest)
	}
	if sm.Manifest.Name == "" {
		return fmt.Errorf("%w: missing client name", ErrInvalidManifest)
	}

	result := manifest.Verify(sm, r.verify, manifest.VerifyOptions{})
	if !result.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, result.Errors)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[sm.Manifest.ManifestID]; exists {
		return fmt.Errorf("%w: manifest %s already registered", ErrInvalidManifest, sm.Manifest.ManifestID)
	}

	// The chain predecessor is whichever manifest is currently latest for
	// the name, resolved at registration time.
	if prev, ok := r.latestByName[sm.Manifest.Name]; ok && prev != sm.Manifest.ManifestID {
		r.previous[sm.Manifest.ManifestID] = prev
	}

	stored := *sm
	r.byID[sm.Manifest.ManifestID] = &stored
	r.byBundleHash[sm.Manifest.BundleHash] = sm.Manifest.ManifestID
	if setLatest {
		r.latestByName[sm.Manifest.Name] = sm.Manifest.ManifestID
	}

	if r.backend != nil {
		data, err := json.Marshal(sm)
		if err == nil {
			_, err = r.backend.Store(ctx, data, interfaces.ManifestType)
		}
		if err != nil {
			// The in-memory registration stands; persistence is a
			// replica concern, not a validity concern.
			r.log.Warn("Failed to persist manifest",
				slog.String("manifestID", sm.Manifest.ManifestID),
				"err", err)
		}
	}

	r.log.Info("Registered manifest",
		slog.String("manifestID", sm.Manifest.ManifestID),
		slog.String("name", sm.Manifest.Name),
		slog.String("bundleHash", sm.Manifest.BundleHash),
		slog.Bool("latest", setLatest))

	return nil
}

// Get returns a manifest by id.
func (r *Registry) Get(id string) (*manifest.SignedManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sm, ok := r.byID[id]
	if !ok {
		return nil, ErrManifestNotFound
	}
	return sm, nil
}

// List returns every registered manifest.
func (r *Registry) List() []*manifest.SignedManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*manifest.SignedManifest, 0, len(r.byID))
	for _, sm := range r.byID {
		out = append(out, sm)
	}
	return out
}

// Delete removes a manifest and its index entries. Chain links through the
// deleted manifest are preserved so history stays walkable.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sm, ok := r.byID[id]
	if !ok {
		return ErrManifestNotFound
	}

	delete(r.byID, id)
	if r.byBundleHash[sm.Manifest.BundleHash] == id {
		delete(r.byBundleHash, sm.Manifest.BundleHash)
	}
	if r.latestByName[sm.Manifest.Name] == id {
		// Fall back to the predecessor if one exists.
		if prev, ok := r.previous[id]; ok {
			r.latestByName[sm.Manifest.Name] = prev
		} else {
			delete(r.latestByName, sm.Manifest.Name)
		}
	}

	return nil
}

// ByBundleHash returns the manifest registered for a bundle hash.
func (r *Registry) ByBundleHash(bundleHash string) (*manifest.SignedManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byBundleHash[bundleHash]
	if !ok {
		return nil, ErrManifestNotFound
	}
	return r.byID[id], nil
}

// LatestForName returns the latest manifest registered for a client name.
func (r *Registry) LatestForName(name string) (*manifest.SignedManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.latestByName[name]
	if !ok {
		return nil, ErrManifestNotFound
	}
	return r.byID[id], nil
}

// Chain walks the previous-manifest relation starting at id, newest first.
func (r *Registry) Chain(id string) ([]*manifest.SignedManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.byID[id]; !ok {
		return nil, ErrManifestNotFound
	}

	var chain []*manifest.SignedManifest
	seen := make(map[string]bool)
	for current := id; current != "" && !seen[current]; {
		seen[current] = true
		if sm, ok := r.byID[current]; ok {
			chain = append(chain, sm)
		}
		// A deleted predecessor is skipped; its preserved link leads on to
		// older versions.
		current = r.previous[current]
	}
	return chain, nil
}

// BundleHashResult is the outcome of a quick trust check against a bundle
// hash.
type BundleHashResult struct {
	Known          bool   `json:"known"`
	Trusted        bool   `json:"trusted"`
	ManifestID     string `json:"manifestId,omitempty"`
	Name           string `json:"name,omitempty"`
	KeyFingerprint string `json:"keyFingerprint,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// VerifyBundleHash checks whether a bundle hash belongs to a registered,
// validly signed manifest, optionally requiring the signing key's
// fingerprint to appear in a trusted list.
func (r *Registry) VerifyBundleHash(bundleHash string, trustedFingerprints []string) BundleHashResult {
	sm, err := r.ByBundleHash(bundleHash)
	if err != nil {
		return BundleHashResult{Reason: "bundle hash not registered"}
	}

	result := manifest.Verify(sm, r.verify, manifest.VerifyOptions{
		TrustedFingerprints: trustedFingerprints,
	})
	if !result.Valid {
		return BundleHashResult{
			Known:          true,
			ManifestID:     sm.Manifest.ManifestID,
			Name:           sm.Manifest.Name,
			KeyFingerprint: sm.KeyFingerprint,
			Reason:         fmt.Sprintf("manifest failed verification: %v", result.Errors),
		}
	}

	return BundleHashResult{
		Known:          true,
		Trusted:        true,
		ManifestID:     sm.Manifest.ManifestID,
		Name:           sm.Manifest.Name,
		KeyFingerprint: sm.KeyFingerprint,
	}
}
