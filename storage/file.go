package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jameslbarnes/dshield/interfaces"
)

// FileBackend stores content-addressed blobs on the local filesystem, one
// file per content ID, split into per-type subdirectories so a key backup
// can never be served where a manifest was asked for.
type FileBackend struct {
	baseDir     string
	prefixes    map[interfaces.ContentType]string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend prepares a backend rooted at baseDir, creating the
// per-type subdirectories up front so later writes cannot fail on a missing
// parent.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	prefixes := map[interfaces.ContentType]string{
		interfaces.ManifestType:  "manifests",
		interfaces.KeyBackupType: "keybackups",
	}

	for _, subdir := range prefixes {
		if err := os.MkdirAll(filepath.Join(baseDir, subdir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", subdir, err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		prefixes:    prefixes,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads the blob whose filename is the content ID. A missing file maps
// to ErrContentNotFound; every other failure surfaces as-is.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	blobPath := b.blobPath(id, contentType)

	data, err := os.ReadFile(blobPath)
	switch {
	case os.IsNotExist(err):
		return nil, interfaces.ErrContentNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", blobPath, err)
	}

	b.log.Debug("Read blob",
		slog.String("path", blobPath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes data under its own SHA-256 hash. Re-storing identical bytes
// simply rewrites the same file, so Store is idempotent per content.
func (b *FileBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	blobPath := b.blobPath(id, contentType)

	if err := os.WriteFile(blobPath, data, 0644); err != nil {
		return id, fmt.Errorf("failed to write %s: %w", blobPath, err)
	}

	b.log.Debug("Wrote blob",
		slog.String("path", blobPath),
		slog.String("contentID", id.String()))

	return id, nil
}

// Available reports whether the backing directory is still there.
func (b *FileBackend) Available(ctx context.Context) bool {
	if _, err := os.Stat(b.baseDir); err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

// blobPath places a content ID inside its type's subdirectory.
func (b *FileBackend) blobPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return filepath.Join(b.baseDir, b.prefixes[contentType], id.String())
}
