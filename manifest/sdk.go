package manifest

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Content markers identifying the transparent client SDK. A bundle carrying
// the SDK routes all of the client's network calls through the audited
// runtime, which the manifest records so outer verifiers can check for it.
const (
	sdkMarker = "__dshield_sdk__"
	sdkID     = "dshield-client-sdk"
)

var sdkVersionPattern = regexp.MustCompile(`__dshield_sdk_version__\s*=\s*["']([^"']+)["']`)

// detectSDK scans bundle files for the SDK content marker. Only plausible
// script files are inspected; the first match wins.
func detectSDK(dir string, files []ManifestFile) *SDKVerification {
	for _, f := range files {
		switch strings.ToLower(filepath.Ext(f.Path)) {
		case ".js", ".mjs", ".cjs", ".ts":
		default:
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			continue
		}

		content := string(data)
		if !strings.Contains(content, sdkMarker) {
			continue
		}

		version := "unknown"
		if m := sdkVersionPattern.FindStringSubmatch(content); m != nil {
			version = m[1]
		}

		return &SDKVerification{
			SDKID:      sdkID,
			SDKVersion: version,
			SDKHash:    f.Hash,
			SDKPath:    f.Path,
		}
	}
	return nil
}
