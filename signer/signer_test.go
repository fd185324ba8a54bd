package signer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jameslbarnes/dshield/storage"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	message := []byte(`{"kind":"egress","sequence":1}`)
	sig, err := s.Sign(message)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	assert.True(t, Verify(message, sig, s.PublicKeyPEM()))
}

func TestVerify_WrongKeyRejected(t *testing.T) {
	s1, err := New()
	require.NoError(t, err)
	s2, err := New()
	require.NoError(t, err)

	message := []byte("audited bytes")
	sig, err := s1.Sign(message)
	require.NoError(t, err)

	assert.False(t, Verify(message, sig, s2.PublicKeyPEM()))
}

func TestVerify_GarbageInputsReturnFalse(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	message := []byte("audited bytes")
	sig, err := s.Sign(message)
	require.NoError(t, err)

	assert.False(t, Verify(message, sig[:len(sig)-1], s.PublicKeyPEM()))
	assert.False(t, Verify(message, []byte("not a signature"), s.PublicKeyPEM()))
	assert.False(t, Verify(message, sig, []byte("not a pem key")))
	assert.False(t, Verify(append(message, 'x'), sig, s.PublicKeyPEM()))
}

func TestSign_Deterministic(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	message := []byte("same message")
	sig1, err := s.Sign(message)
	require.NoError(t, err)
	sig2, err := s.Sign(message)
	require.NoError(t, err)

	assert.Equal(t, sig1, sig2, "PKCS1v15 signatures must be bitwise identical")
}

func TestNewFromPEM_SameKeyMaterial(t *testing.T) {
	s1, err := New()
	require.NoError(t, err)

	keyPEM, err := s1.ExportPrivateKeyPEM()
	require.NoError(t, err)

	s2, err := NewFromPEM(keyPEM)
	require.NoError(t, err)

	assert.Equal(t, s1.PublicKeyPEM(), s2.PublicKeyPEM())
	assert.Equal(t, s1.Fingerprint(), s2.Fingerprint())

	message := []byte("shared key, shared signature")
	sig1, err := s1.Sign(message)
	require.NoError(t, err)
	sig2, err := s2.Sign(message)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)
}

func TestExportShares_RecoverWithThreshold(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	shares, err := s.ExportShares(BackupConfig{Shares: 5, Threshold: 3})
	require.NoError(t, err)
	require.Len(t, shares, 5)

	recovered, err := RecoverFromShares(shares[1:4])
	require.NoError(t, err)
	assert.Equal(t, s.Fingerprint(), recovered.Fingerprint())
}

func TestExportShares_RejectsBadConfig(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	_, err = s.ExportShares(BackupConfig{Shares: 1, Threshold: 1})
	assert.Error(t, err)

	_, err = s.ExportShares(BackupConfig{Shares: 2, Threshold: 3})
	assert.Error(t, err)
}

func TestExportArmored_RoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := storage.NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)

	s, err := New()
	require.NoError(t, err)

	ctx := context.Background()
	id, err := s.ExportArmored(ctx, "correct horse battery", backend)
	require.NoError(t, err)

	recovered, err := RecoverArmored(ctx, "correct horse battery", id, backend)
	require.NoError(t, err)
	assert.Equal(t, s.Fingerprint(), recovered.Fingerprint())

	_, err = RecoverArmored(ctx, "wrong passphrase", id, backend)
	assert.Error(t, err)
}

func TestReportData_BindsFingerprint(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	report := s.ReportData()
	fp := s.Fingerprint()
	assert.Equal(t, fp[:], report[:32])

	evidence, err := s.AttestPublicKey(DummyAttestationProvider{})
	require.NoError(t, err)
	assert.Empty(t, evidence)
}
