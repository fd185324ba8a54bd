// Package manifest implements the client bundle manifest core: deterministic
// file-hash summaries of a build directory, canonical serialization, signing
// and three-level verification.
//
// A manifest attests what a client bundle contains; the bundle hash is a
// Merkle-style root over the sorted path:hash lines of the file set, so any
// file change surfaces in a single comparable digest.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ManifestFile describes one file of a client bundle.
type ManifestFile struct {
	// Path is the file's path relative to the bundle root, slash-separated.
	Path string `json:"path"`

	// Hash is the hex SHA-256 of the file contents.
	Hash string `json:"hash"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// MimeType is derived from the file extension when known.
	MimeType string `json:"mimeType,omitempty"`
}

// BuildInfo captures where and when a bundle was built.
type BuildInfo struct {
	Timestamp string `json:"timestamp"`
	GitCommit string `json:"gitCommit,omitempty"`
	GitBranch string `json:"gitBranch,omitempty"`
	CI        bool   `json:"ci"`
}

// SDKVerification records the detected transparent client SDK inside a
// bundle, letting an outer verifier assert that the client's network calls
// go through the controlled path.
type SDKVerification struct {
	SDKID      string `json:"sdkId"`
	SDKVersion string `json:"sdkVersion"`
	SDKHash    string `json:"sdkHash"`
	SDKPath    string `json:"sdkPath"`
}

// Manifest is the unsigned bundle description.
type Manifest struct {
	ManifestID string `json:"manifestId"`
	Name       string `json:"name"`
	ClientType string `json:"clientType"`
	Version    string `json:"version"`

	// Files is ordered by path, lexicographically.
	Files []ManifestFile `json:"files"`

	// BundleHash is the SHA-256 over the sorted "path:hash" lines of
	// Files, joined by newline.
	BundleHash string `json:"bundleHash"`

	Build         BuildInfo `json:"build"`
	Source        string    `json:"source,omitempty"`
	AllowedEgress []string  `json:"allowedEgress"`

	SDKVerification *SDKVerification `json:"sdkVerification,omitempty"`
	APISurface      []string         `json:"apiSurface,omitempty"`
}

// SignedManifest wraps a manifest with its signature and the key material
// needed for standalone verification.
type SignedManifest struct {
	Manifest       Manifest `json:"manifest"`
	Signature      string   `json:"signature"`
	PublicKey      string   `json:"publicKey"`
	KeyFingerprint string   `json:"keyFingerprint"`
	SignedAt       string   `json:"signedAt"`
}

// ComputeBundleHash derives the bundle hash from a file set: the "path:hash"
// lines sorted lexicographically by path, joined by newline, hashed with
// SHA-256.
func ComputeBundleHash(files []ManifestFile) string {
	sorted := make([]ManifestFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	lines := make([]string, len(sorted))
	for i, f := range sorted {
		lines[i] = f.Path + ":" + f.Hash
	}

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// CanonicalBytes returns the serialization the manifest signature is computed
// over: JSON with keys sorted lexicographically and two-space indentation.
// Any two implementations producing this form from the same manifest produce
// byte-identical signable material.
func (m *Manifest) CanonicalBytes() ([]byte, error) {
	// Round-trip through an untyped value: encoding/json sorts map keys,
	// which yields the lexicographic ordering the contract requires.
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	canonical, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize manifest: %w", err)
	}
	return canonical, nil
}
