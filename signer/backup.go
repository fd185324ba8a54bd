package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/jameslbarnes/dshield/cryptoutils"
	"github.com/jameslbarnes/dshield/interfaces"
)

// BackupConfig controls how a restricted key export is protected before it
// leaves the process.
type BackupConfig struct {
	// Shares is the total number of Shamir shares to produce.
	Shares int
	// Threshold is the minimum number of shares required for recovery.
	Threshold int
}

// ExportPrivateKeyPEM returns the raw PEM private key. Restricted: callers
// must only use it for controlled backup paths; prefer ExportShares or
// ExportArmored which never expose the plaintext key.
func (s *Signer) ExportPrivateKeyPEM() ([]byte, error) {
	s.exportMu.Lock()
	defer s.exportMu.Unlock()
	return []byte(mustEncodePEM(s)), nil
}

// ExportShares splits the PEM private key into Shamir shares. Threshold
// shares suffice to recover; fewer reveal nothing. Shares must be
// distributed to distinct custodians.
func (s *Signer) ExportShares(config BackupConfig) ([][]byte, error) {
	if config.Threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if config.Shares < config.Threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	s.exportMu.Lock()
	defer s.exportMu.Unlock()

	keyPEM := mustEncodePEM(s)
	shares, err := shamir.Split(keyPEM, config.Shares, config.Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split signing key: %w", err)
	}
	return shares, nil
}

// RecoverFromShares reconstructs a signer from a threshold set of Shamir
// shares produced by ExportShares.
func RecoverFromShares(shares [][]byte) (*Signer, error) {
	keyPEM, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct signing key: %w", err)
	}
	defer wipeBytes(keyPEM)

	return NewFromPEM(keyPEM)
}

// ExportArmored encrypts the PEM private key under a passphrase and stores
// the armored blob in the given content backend. Returns the content ID of
// the backup.
func (s *Signer) ExportArmored(ctx context.Context, passphrase string, backend interfaces.StorageBackend) (interfaces.ContentID, error) {
	s.exportMu.Lock()
	keyPEM := mustEncodePEM(s)
	s.exportMu.Unlock()
	defer wipeBytes(keyPEM)

	armored, err := cryptoutils.EncryptWithPassphrase(passphrase, keyPEM)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to armor signing key: %w", err)
	}

	id, err := backend.Store(ctx, armored, interfaces.KeyBackupType)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to store key backup: %w", err)
	}
	return id, nil
}

// RecoverArmored fetches an armored backup by content ID and reconstructs
// the signer with the given passphrase.
func RecoverArmored(ctx context.Context, passphrase string, id interfaces.ContentID, backend interfaces.StorageBackend) (*Signer, error) {
	armored, err := backend.Fetch(ctx, id, interfaces.KeyBackupType)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key backup: %w", err)
	}

	keyPEM, err := cryptoutils.DecryptWithPassphrase(passphrase, armored)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(keyPEM)

	return NewFromPEM(keyPEM)
}

func mustEncodePEM(s *Signer) []byte {
	keyPEM, err := cryptoutils.EncodePrivateKeyPEM(s.key)
	if err != nil {
		// The key was parsed or generated by this process; re-encoding it
		// cannot fail.
		panic(fmt.Sprintf("signer: failed to encode held key: %v", err))
	}
	return keyPEM
}

// wipeBytes zeroes sensitive data before it is garbage collected.
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
