// Package signer implements the audit pipeline's signing primitive: an
// RSA-2048 key held for the process lifetime, producing deterministic
// RSASSA-PKCS1-v1_5 signatures over SHA-256 digests of canonical bytes.
//
// The private key is either generated fresh at startup (ephemeral) or
// injected from sealed storage. Export is a restricted operation intended
// only for controlled backup; see backup.go.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/jameslbarnes/dshield/cryptoutils"
	"github.com/jameslbarnes/dshield/interfaces"
)

// KeySize is the RSA modulus size in bits.
const KeySize = 2048

// Signer signs canonical entry and manifest bytes. Safe for concurrent use;
// signing is pure over (key, message).
type Signer struct {
	key         *rsa.PrivateKey
	publicPEM   cryptoutils.SignerPubkey
	fingerprint interfaces.KeyFingerprint

	exportMu sync.Mutex
}

// New generates a fresh ephemeral RSA-2048 key pair. The private key lives
// only for the process lifetime.
func New() (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return fromKey(key)
}

// NewFromPEM creates a signer from an injected PEM-encoded private key,
// typically unsealed from enclave-protected storage by the host.
func NewFromPEM(privPEM []byte) (*Signer, error) {
	priv, err := cryptoutils.NewSignerPrivkey(privPEM)
	if err != nil {
		return nil, err
	}

	key, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}
	return fromKey(key)
}

func fromKey(key *rsa.PrivateKey) (*Signer, error) {
	publicPEM, err := cryptoutils.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	return &Signer{
		key:         key,
		publicPEM:   publicPEM,
		fingerprint: interfaces.ComputeKeyFingerprint(publicPEM),
	}, nil
}

// Sign returns the RSASSA-PKCS1-v1_5 signature over the SHA-256 digest of
// data. Deterministic: the same data always yields the same signature.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// PublicKeyPEM returns the PEM-encoded public key.
func (s *Signer) PublicKeyPEM() []byte {
	return s.publicPEM
}

// Fingerprint returns the SHA-256 fingerprint of the PEM public key.
func (s *Signer) Fingerprint() interfaces.KeyFingerprint {
	return s.fingerprint
}

// Verify checks a signature over data against a PEM-encoded public key. Any
// parse failure, length mismatch, or key mismatch yields false; the reason is
// deliberately not reported.
func Verify(data, signature, publicKeyPEM []byte) bool {
	pub, err := cryptoutils.SignerPubkey(publicKeyPEM).GetPublicKey()
	if err != nil {
		return false
	}

	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature) == nil
}
