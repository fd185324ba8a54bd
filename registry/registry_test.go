package registry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jameslbarnes/dshield/manifest"
	"github.com/jameslbarnes/dshield/signer"
	"github.com/jameslbarnes/dshield/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// signedManifest builds a registrable manifest over a throwaway bundle.
func signedManifest(t *testing.T, s *signer.Signer, name, version, fileContent string) *manifest.SignedManifest {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte(fileContent), 0644))

	m, err := manifest.Generate(dir, manifest.GenerateOptions{
		Name:       name,
		ClientType: "web",
		Version:    version,
	})
	require.NoError(t, err)

	sm, err := manifest.Sign(m, s)
	require.NoError(t, err)
	return sm
}

func TestRegister_AndLookups(t *testing.T) {
	s, err := signer.New()
	require.NoError(t, err)
	reg := New(signer.Verify, nil, testLogger())
	ctx := context.Background()

	sm := signedManifest(t, s, "web-client", "1.0.0", "v1 content")
	require.NoError(t, reg.Register(ctx, sm, true))

	got, err := reg.Get(sm.Manifest.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, sm.Manifest.BundleHash, got.Manifest.BundleHash)

	byHash, err := reg.ByBundleHash(sm.Manifest.BundleHash)
	require.NoError(t, err)
	assert.Equal(t, sm.Manifest.ManifestID, byHash.Manifest.ManifestID)

	latest, err := reg.LatestForName("web-client")
	require.NoError(t, err)
	assert.Equal(t, sm.Manifest.ManifestID, latest.Manifest.ManifestID)

	assert.Len(t, reg.List(), 1)
}

func TestRegister_RejectsTamperedManifest(t *testing.T) {
	s, err := signer.New()
	require.NoError(t, err)
	reg := New(signer.Verify, nil, testLogger())

	sm := signedManifest(t, s, "web-client", "1.0.0", "content")
	sm.Manifest.Version = "9.9.9"

	err = reg.Register(context.Background(), sm, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidManifest)
	assert.Empty(t, reg.List())
}

func TestRegister_DuplicateIDRejected(t *testing.T) {
	s, err := signer.New()
	require.NoError(t, err)
	reg := New(signer.Verify, nil, testLogger())
	ctx := context.Background()

	sm := signedManifest(t, s, "web-client", "1.0.0", "content")
	require.NoError(t, reg.Register(ctx, sm, true))

	err = reg.Register(ctx, sm, true)
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestChain_LinksVersions(t *testing.T) {
	s, err := signer.New()
	require.NoError(t, err)
	reg := New(signer.Verify, nil, testLogger())
	ctx := context.Background()

	v1 := signedManifest(t, s, "web-client", "1.0.0", "v1")
	v2 := signedManifest(t, s, "web-client", "2.0.0", "v2")
	v3 := signedManifest(t, s, "web-client", "3.0.0", "v3")

	require.NoError(t, reg.Register(ctx, v1, true))
	require.NoError(t, reg.Register(ctx, v2, true))
	require.NoError(t, reg.Register(ctx, v3, true))

	chain, err := reg.Chain(v3.Manifest.ManifestID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "3.0.0", chain[0].Manifest.Version)
	assert.Equal(t, "2.0.0", chain[1].Manifest.Version)
	assert.Equal(t, "1.0.0", chain[2].Manifest.Version)

	// A mid-chain manifest only sees its own history.
	chain, err = reg.Chain(v2.Manifest.ManifestID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
}

func TestRegister_SetLatestFalseKeepsPrevious(t *testing.T) {
	s, err := signer.New()
	require.NoError(t, err)
	reg := New(signer.Verify, nil, testLogger())
	ctx := context.Background()

	v1 := signedManifest(t, s, "web-client", "1.0.0", "v1")
	hotfix := signedManifest(t, s, "web-client", "1.0.1", "hotfix")

	require.NoError(t, reg.Register(ctx, v1, true))
	require.NoError(t, reg.Register(ctx, hotfix, false))

	latest, err := reg.LatestForName("web-client")
	require.NoError(t, err)
	assert.Equal(t, v1.Manifest.ManifestID, latest.Manifest.ManifestID)
}

func TestDelete_FallsBackToPredecessor(t *testing.T) {
	s, err := signer.New()
	require.NoError(t, err)
	reg := New(signer.Verify, nil, testLogger())
	ctx := context.Background()

	v1 := signedManifest(t, s, "web-client", "1.0.0", "v1")
	v2 := signedManifest(t, s, "web-client", "2.0.0", "v2")
	require.NoError(t, reg.Register(ctx, v1, true))
	require.NoError(t, reg.Register(ctx, v2, true))

	require.NoError(t, reg.Delete(v2.Manifest.ManifestID))

	latest, err := reg.LatestForName("web-client")
	require.NoError(t, err)
	assert.Equal(t, v1.Manifest.ManifestID, latest.Manifest.ManifestID)

	_, err = reg.Get(v2.Manifest.ManifestID)
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestVerifyBundleHash_TrustLevels(t *testing.T) {
	s, err := signer.New()
	require.NoError(t, err)
	reg := New(signer.Verify, nil, testLogger())
	ctx := context.Background()

	sm := signedManifest(t, s, "web-client", "1.0.0", "content")
	require.NoError(t, reg.Register(ctx, sm, true))

	// Unknown hash.
	result := reg.VerifyBundleHash("deadbeef", nil)
	assert.False(t, result.Known)
	assert.False(t, result.Trusted)

	// Known, no fingerprint constraint.
	result = reg.VerifyBundleHash(sm.Manifest.BundleHash, nil)
	assert.True(t, result.Known)
	assert.True(t, result.Trusted)
	assert.Equal(t, sm.Manifest.ManifestID, result.ManifestID)

	// Known but signed by an unlisted key.
	result = reg.VerifyBundleHash(sm.Manifest.BundleHash, []string{"not-the-fingerprint"})
	assert.True(t, result.Known)
	assert.False(t, result.Trusted)
	assert.NotEmpty(t, result.Reason)

	// Known and explicitly trusted.
	result = reg.VerifyBundleHash(sm.Manifest.BundleHash, []string{sm.KeyFingerprint})
	assert.True(t, result.Trusted)
}

func TestRegister_PersistsThroughBackend(t *testing.T) {
	s, err := signer.New()
	require.NoError(t, err)

	storageDir := t.TempDir()
	backend, err := storage.NewFileBackend(storageDir, testLogger())
	require.NoError(t, err)
	reg := New(signer.Verify, backend, testLogger())
	ctx := context.Background()

	sm := signedManifest(t, s, "web-client", "1.0.0", "persisted")
	require.NoError(t, reg.Register(ctx, sm, true))

	// The signed manifest landed in the backend, addressed by content.
	stored, err := os.ReadDir(filepath.Join(storageDir, "manifests"))
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}
