// bundlectl generates, signs, verifies and inspects client bundle manifests.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/jameslbarnes/dshield/cmd/flags"
	"github.com/jameslbarnes/dshield/common"
	"github.com/jameslbarnes/dshield/cryptoutils"
	"github.com/jameslbarnes/dshield/manifest"
	"github.com/jameslbarnes/dshield/signer"
)

// bundleConfig is the YAML build description consumed by generate.
type bundleConfig struct {
	Name          string   `yaml:"name"`
	ClientType    string   `yaml:"clientType"`
	Version       string   `yaml:"version"`
	Dir           string   `yaml:"dir"`
	Include       []string `yaml:"include"`
	Exclude       []string `yaml:"exclude"`
	AllowedEgress []string `yaml:"allowedEgress"`
	Source        string   `yaml:"source"`
}

func main() {
	app := &cli.App{
		Name:    "bundlectl",
		Usage:   "Client bundle manifest tooling",
		Version: common.Version,
		Flags: []cli.Flag{
			flags.LogJSONFlag,
			flags.LogDebugFlag,
			flags.LogServiceFlag,
		},
		Commands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Generate an unsigned manifest from a build directory",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Required: true, Usage: "bundle description YAML"},
					&cli.StringFlag{Name: "out", Value: "manifest.json", Usage: "output file"},
				},
				Action: runGenerate,
			},
			{
				Name:  "sign",
				Usage: "Sign a manifest",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "in", Value: "manifest.json", Usage: "unsigned manifest file"},
					&cli.StringFlag{Name: "out", Value: "manifest.signed.json", Usage: "output file"},
					&cli.StringFlag{Name: "key", Usage: "PEM private key; empty generates a fresh key next to the output"},
				},
				Action: runSign,
			},
			{
				Name:  "verify",
				Usage: "Verify a signed manifest",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "in", Value: "manifest.signed.json", Usage: "signed manifest file"},
					&cli.StringFlag{Name: "dir", Usage: "bundle directory; when set, file contents are checked"},
					&cli.StringSliceFlag{Name: "trusted-fingerprint", Usage: "accept only these signing key fingerprints"},
				},
				Action: runVerify,
			},
			{
				Name:  "inspect",
				Usage: "Print a summary of a signed manifest",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "in", Value: "manifest.signed.json", Usage: "signed manifest file"},
				},
				Action: runInspect,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runGenerate(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	raw, err := os.ReadFile(cCtx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to read bundle config: %w", err)
	}

	var cfg bundleConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("failed to parse bundle config: %w", err)
	}
	if cfg.Dir == "" {
		return fmt.Errorf("bundle config must set dir")
	}

	m, err := manifest.Generate(cfg.Dir, manifest.GenerateOptions{
		Name:          cfg.Name,
		ClientType:    cfg.ClientType,
		Version:       cfg.Version,
		Include:       cfg.Include,
		Exclude:       cfg.Exclude,
		AllowedEgress: cfg.AllowedEgress,
		Source:        cfg.Source,
	})
	if err != nil {
		return err
	}

	if err := writeJSONFile(cCtx.String("out"), m); err != nil {
		return err
	}

	logger.Info("Manifest generated",
		"manifestId", m.ManifestID,
		"files", len(m.Files),
		"bundleHash", m.BundleHash,
		"out", cCtx.String("out"))
	return nil
}

func runSign(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	var m manifest.Manifest
	if err := readJSONFile(cCtx.String("in"), &m); err != nil {
		return err
	}

	var bundleSigner *signer.Signer
	var err error
	if keyFile := cCtx.String("key"); keyFile != "" {
		keyPEM, rerr := os.ReadFile(keyFile)
		if rerr != nil {
			return fmt.Errorf("failed to read key: %w", rerr)
		}
		bundleSigner, err = signer.NewFromPEM(keyPEM)
	} else {
		bundleSigner, err = signer.New()
		if err == nil {
			keyPEM, kerr := bundleSigner.ExportPrivateKeyPEM()
			if kerr != nil {
				return kerr
			}
			keyPath := cCtx.String("out") + ".key.pem"
			if werr := os.WriteFile(keyPath, keyPEM, 0600); werr != nil {
				return fmt.Errorf("failed to write generated key: %w", werr)
			}
			logger.Info("Generated fresh signing key", "path", keyPath)
		}
	}
	if err != nil {
		return err
	}

	sm, err := manifest.Sign(&m, bundleSigner)
	if err != nil {
		return err
	}

	if err := writeJSONFile(cCtx.String("out"), sm); err != nil {
		return err
	}

	logger.Info("Manifest signed",
		"manifestId", m.ManifestID,
		"keyFingerprint", sm.KeyFingerprint,
		"out", cCtx.String("out"))
	return nil
}

func runVerify(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	var sm manifest.SignedManifest
	if err := readJSONFile(cCtx.String("in"), &sm); err != nil {
		return err
	}

	opts := manifest.VerifyOptions{
		TrustedFingerprints: cCtx.StringSlice("trusted-fingerprint"),
	}

	if dir := cCtx.String("dir"); dir != "" {
		opts.FileContents = make(map[string][]byte, len(sm.Manifest.Files))
		for _, f := range sm.Manifest.Files {
			data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.Path)))
			if err != nil {
				return fmt.Errorf("failed to read bundle file %s: %w", f.Path, err)
			}
			opts.FileContents[f.Path] = data
		}
	}

	result := manifest.Verify(&sm, signer.Verify, opts)

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if !result.Valid {
		logger.Error("Manifest verification failed", "errors", result.Errors)
		return cli.Exit("manifest is not valid", 1)
	}
	logger.Info("Manifest verified", "manifestId", sm.Manifest.ManifestID)
	return nil
}

func runInspect(cCtx *cli.Context) error {
	var sm manifest.SignedManifest
	if err := readJSONFile(cCtx.String("in"), &sm); err != nil {
		return err
	}

	fmt.Printf("Manifest:       %s\n", sm.Manifest.ManifestID)
	fmt.Printf("Client:         %s (%s) v%s\n", sm.Manifest.Name, sm.Manifest.ClientType, sm.Manifest.Version)
	fmt.Printf("Files:          %d\n", len(sm.Manifest.Files))
	fmt.Printf("Bundle hash:    %s\n", sm.Manifest.BundleHash)
	fmt.Printf("Signed at:      %s\n", sm.SignedAt)
	fmt.Printf("Key fingerprint: %s\n", sm.KeyFingerprint)
	if sm.Manifest.SDKVerification != nil {
		fmt.Printf("SDK:            %s %s at %s\n",
			sm.Manifest.SDKVerification.SDKID,
			sm.Manifest.SDKVerification.SDKVersion,
			sm.Manifest.SDKVerification.SDKPath)
	}
	for _, domain := range sm.Manifest.AllowedEgress {
		fmt.Printf("Allowed egress: %s\n", domain)
	}

	// Surface an obviously broken key early, before anyone trusts the
	// inspect output.
	if err := cryptoutils.SignerPubkey(sm.PublicKey).Validate(); err != nil {
		fmt.Printf("WARNING: embedded public key is invalid: %v\n", err)
	}
	return nil
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
