package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateOptions controls manifest generation from a build directory.
type GenerateOptions struct {
	// Name identifies the client (registry latest-by-name key).
	Name string

	// ClientType describes the bundle (e.g. "web", "cli").
	ClientType string

	// Version is the client's own version string.
	Version string

	// Include restricts the walk to paths matching at least one glob
	// pattern. Empty means every regular file.
	Include []string

	// Exclude drops paths matching any glob pattern; applied after
	// Include.
	Exclude []string

	// AllowedEgress lists the domains the client is expected to contact.
	AllowedEgress []string

	// Source optionally references the bundle's source (VCS URL, ref).
	Source string
}

// Generate walks a build directory and produces an unsigned manifest with a
// fresh manifest id.
func Generate(dir string, opts GenerateOptions) (*Manifest, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat bundle directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var files []ManifestFile
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if !matchAny(opts.Include, rel, true) || matchAny(opts.Exclude, rel, false) {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}

		sum := sha256.Sum256(data)
		files = append(files, ManifestFile{
			Path:     rel,
			Hash:     hex.EncodeToString(sum[:]),
			Size:     int64(len(data)),
			MimeType: mime.TypeByExtension(path.Ext(rel)),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk bundle directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	m := &Manifest{
		ManifestID:    uuid.NewString(),
		Name:          opts.Name,
		ClientType:    opts.ClientType,
		Version:       opts.Version,
		Files:         files,
		BundleHash:    ComputeBundleHash(files),
		Build:         captureBuildInfo(),
		Source:        opts.Source,
		AllowedEgress: opts.AllowedEgress,
	}

	if sdk := detectSDK(dir, files); sdk != nil {
		m.SDKVerification = sdk
	}

	return m, nil
}

// matchAny reports whether rel matches one of the glob patterns. Patterns
// match against the full relative path and, for convenience, against the
// base name ("*.map" excludes source maps anywhere in the tree).
func matchAny(patterns []string, rel string, emptyMatches bool) bool {
	if len(patterns) == 0 {
		return emptyMatches
	}
	base := path.Base(rel)
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		// "dist/**" style prefix patterns
		if prefix, found := strings.CutSuffix(pattern, "/**"); found {
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
				return true
			}
		}
	}
	return false
}

// captureBuildInfo records the build timestamp, VCS fields when the build
// system exports them, and whether the build ran under CI.
func captureBuildInfo() BuildInfo {
	return BuildInfo{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		GitCommit: os.Getenv("GIT_COMMIT"),
		GitBranch: os.Getenv("GIT_BRANCH"),
		CI:        os.Getenv("CI") != "",
	}
}
