package manifest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jameslbarnes/dshield/interfaces"
)

// Sign produces a signed manifest: the signature over the canonical bytes
// plus the public key and its fingerprint for standalone verification.
func Sign(m *Manifest, s interfaces.Signer) (*SignedManifest, error) {
	canonical, err := m.CanonicalBytes()
	if err != nil {
		return nil, err
	}

	sig, err := s.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to sign manifest: %w", err)
	}

	publicKeyPEM := s.PublicKeyPEM()

	return &SignedManifest{
		Manifest:       *m,
		Signature:      base64.StdEncoding.EncodeToString(sig),
		PublicKey:      string(publicKeyPEM),
		KeyFingerprint: s.Fingerprint().String(),
		SignedAt:       time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// VerifyOptions selects the checks beyond signature and bundle hash.
type VerifyOptions struct {
	// FileContents maps bundle-relative paths to their bytes. When
	// provided, each file's SHA-256 is checked against the manifest.
	FileContents map[string][]byte

	// TrustedFingerprints, when non-empty, rejects manifests signed by a
	// key whose fingerprint is not listed.
	TrustedFingerprints []string

	// PublicKeyPEM overrides the embedded key: verification then answers
	// "was this signed by the key I trust" instead of "is this
	// self-consistent".
	PublicKeyPEM []byte
}

// VerificationResult reports each verification level separately. Valid is
// true only when every performed check passed.
type VerificationResult struct {
	Valid           bool     `json:"valid"`
	SignatureValid  bool     `json:"signatureValid"`
	BundleHashValid bool     `json:"bundleHashValid"`
	Errors          []string `json:"errors"`
}

// Verify runs the three-level manifest verification:
//
//  1. the signature over the canonical bytes against the embedded (or
//     externally trusted) public key,
//  2. the bundle hash recomputed from the file set,
//  3. each provided file's content hash against its manifest entry,
//
// plus the key fingerprint consistency check and, when configured, the
// trusted-fingerprint allowlist.
func Verify(sm *SignedManifest, verify interfaces.VerifyFunc, opts VerifyOptions) VerificationResult {
	result := VerificationResult{Errors: []string{}}

	publicKeyPEM := []byte(sm.PublicKey)
	if opts.PublicKeyPEM != nil {
		publicKeyPEM = opts.PublicKeyPEM
	}

	// Level 1: signature over canonical bytes.
	canonical, err := sm.Manifest.CanonicalBytes()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to canonicalize manifest: %v", err))
	} else {
		sig, err := base64.StdEncoding.DecodeString(sm.Signature)
		if err != nil || !verify(canonical, sig, publicKeyPEM) {
			result.Errors = append(result.Errors, "manifest signature is invalid")
		} else {
			result.SignatureValid = true
		}
	}

	// Level 2: bundle hash over the file set.
	if computed := ComputeBundleHash(sm.Manifest.Files); computed != sm.Manifest.BundleHash {
		result.Errors = append(result.Errors,
			fmt.Sprintf("bundle hash mismatch: computed %s, stored %s", computed, sm.Manifest.BundleHash))
	} else {
		result.BundleHashValid = true
	}

	// Level 3: individual file contents when provided.
	if opts.FileContents != nil {
		byPath := make(map[string]ManifestFile, len(sm.Manifest.Files))
		for _, f := range sm.Manifest.Files {
			byPath[f.Path] = f
		}

		for path, content := range opts.FileContents {
			entry, ok := byPath[path]
			if !ok {
				result.Errors = append(result.Errors, fmt.Sprintf("file %s is not part of the manifest", path))
				continue
			}

			sum := sha256.Sum256(content)
			if hex.EncodeToString(sum[:]) != entry.Hash {
				result.Errors = append(result.Errors, fmt.Sprintf("content hash mismatch for %s", path))
			}
		}
	}

	// Key fingerprint consistency.
	if interfaces.ComputeKeyFingerprint([]byte(sm.PublicKey)).String() != sm.KeyFingerprint {
		result.Errors = append(result.Errors, "key fingerprint does not match embedded public key")
	}

	// Trusted fingerprint allowlist.
	if len(opts.TrustedFingerprints) > 0 {
		trusted := false
		for _, fp := range opts.TrustedFingerprints {
			if fp == sm.KeyFingerprint {
				trusted = true
				break
			}
		}
		if !trusted {
			result.Errors = append(result.Errors,
				fmt.Sprintf("signing key %s is not in the trusted fingerprint list", sm.KeyFingerprint))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}
