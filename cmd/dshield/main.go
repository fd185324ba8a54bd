// The dshield daemon hosts the egress-attested function runtime: the logging
// proxy, the function sandbox, the signed audit chain, and the manifest
// registry API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jameslbarnes/dshield/auditlog"
	"github.com/jameslbarnes/dshield/cmd/flags"
	"github.com/jameslbarnes/dshield/common"
	"github.com/jameslbarnes/dshield/events"
	"github.com/jameslbarnes/dshield/httpserver"
	"github.com/jameslbarnes/dshield/logstore"
	"github.com/jameslbarnes/dshield/metrics"
	"github.com/jameslbarnes/dshield/proxy"
	"github.com/jameslbarnes/dshield/registry"
	"github.com/jameslbarnes/dshield/sandbox"
	"github.com/jameslbarnes/dshield/signer"
	"github.com/jameslbarnes/dshield/storage"
)

var cliFlags = []cli.Flag{
	flags.ListenAddrFlag,
	flags.MetricsAddrFlag,
	&cli.IntFlag{
		Name:  "proxy-port",
		Value: 0,
		Usage: "port for the logging proxy; 0 selects an ephemeral port",
	},
	&cli.StringFlag{
		Name:  "log-store",
		Value: "memory://",
		Usage: "log store URI (memory://, file:///path, postgres://...); comma-separate for a mirrored store",
	},
	&cli.StringFlag{
		Name:  "manifest-storage",
		Value: "",
		Usage: "content storage URIs for manifest persistence (file://, s3://, ipfs://, vault://); comma-separated, empty disables persistence",
	},
	&cli.StringFlag{
		Name:  "signer-key-file",
		Value: "",
		Usage: "PEM private key for the audit signer; empty generates an ephemeral key",
	},
	&cli.StringFlag{
		Name:  "nats-url",
		Value: "",
		Usage: "NATS URL for mirroring audit entries; empty disables the event bus",
	},
	&cli.StringSliceFlag{
		Name:  "function-command",
		Usage: "child command line for the sandbox (interpreter, wrapper, entry point, handler)",
	},
	&cli.StringFlag{
		Name:  "function-dir",
		Value: "",
		Usage: "working directory for function children",
	},
	&cli.DurationFlag{
		Name:  "function-timeout",
		Value: 30 * time.Second,
		Usage: "wall-clock timeout per function execution",
	},
	&cli.StringFlag{
		Name:  "shim-path",
		Value: "",
		Usage: "path to the loader interception shim (.so); empty disables layer 3",
	},
	&cli.StringFlag{
		Name:  "shim-log-file",
		Value: "",
		Usage: "file the loader shim appends intercepted calls to; empty disables shim logging",
	},
	&cli.BoolFlag{
		Name:  "shim-debug",
		Value: false,
		Usage: "enable the loader shim's stderr diagnostics",
	},
	flags.LogJSONFlag,
	flags.LogDebugFlag,
	flags.LogUIDFlag,
	flags.LogServiceFlag,
	flags.PprofFlag,
	flags.DrainSecondsFlag,
}

func main() {
	app := &cli.App{
		Name:    "dshield",
		Usage:   "Egress-attested function runtime",
		Version: common.Version,
		Flags:   cliFlags,
		Action:  run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	m := metrics.New(common.PackageName)

	// Signer: injected key or ephemeral.
	var auditSigner *signer.Signer
	var err error
	if keyFile := cCtx.String("signer-key-file"); keyFile != "" {
		keyPEM, rerr := os.ReadFile(keyFile)
		if rerr != nil {
			logger.Error("Failed to read signer key file", "err", rerr)
			return rerr
		}
		auditSigner, err = signer.NewFromPEM(keyPEM)
	} else {
		logger.Info("No signer key provided, generating ephemeral key")
		auditSigner, err = signer.New()
	}
	if err != nil {
		logger.Error("Failed to initialize signer", "err", err)
		return err
	}
	logger.Info("Audit signer ready", "fingerprint", auditSigner.Fingerprint().String())

	// Log store, possibly mirrored.
	storeFactory := logstore.NewFactory(logger)
	store, err := storeFactory.CreateMirroredStore(splitList(cCtx.String("log-store")))
	if err != nil {
		logger.Error("Failed to create log store", "err", err)
		return err
	}
	logger.Info("Log store ready", "store", store.Name())

	// Optional audit event bus.
	var publisher auditlog.EntryPublisher
	if natsURL := cCtx.String("nats-url"); natsURL != "" {
		bus, berr := events.NewBus(natsURL, logger)
		if berr != nil {
			logger.Error("Failed to connect event bus", "err", berr)
			return berr
		}
		defer bus.Close()
		publisher = bus
		logger.Info("Audit event bus connected", "url", natsURL)
	}

	recorder := auditlog.NewRecorder(auditSigner, store, publisher, m, logger)

	// Logging proxy.
	egressProxy := proxy.New(proxy.Config{
		Port:     cCtx.Int("proxy-port"),
		Recorder: recorder,
		Metrics:  m,
		Log:      logger,
	})
	if err := egressProxy.Start(); err != nil {
		logger.Error("Failed to start logging proxy", "err", err)
		return err
	}

	// Function sandbox, when a command is configured.
	var executor *sandbox.Executor
	if command := cCtx.StringSlice("function-command"); len(command) > 0 {
		executor, err = sandbox.NewExecutor(sandbox.Config{
			Command:     command,
			Dir:         cCtx.String("function-dir"),
			Timeout:     cCtx.Duration("function-timeout"),
			ProxyURL:    egressProxy.URL(),
			ProxyHost:   "127.0.0.1",
			ProxyPort:   egressProxy.Port(),
			ShimPath:    cCtx.String("shim-path"),
			ShimLogFile: cCtx.String("shim-log-file"),
			ShimDebug:   cCtx.Bool("shim-debug"),
			Metrics:     m,
			Logger:      logger,
		})
		if err != nil {
			logger.Error("Failed to create sandbox executor", "err", err)
			return err
		}
	} else {
		logger.Warn("No function command configured; invoke endpoint disabled")
	}

	// Manifest registry with optional content-addressed persistence.
	storageFactory := storage.NewFactory(logger)
	manifestRegistry := registry.New(signer.Verify, nil, logger)
	if uris := splitList(cCtx.String("manifest-storage")); len(uris) > 0 && uris[0] != "" {
		backend, berr := storageFactory.CreateMultiBackend(uris)
		if berr != nil {
			logger.Error("Failed to create manifest storage", "err", berr)
			return berr
		}
		manifestRegistry = registry.New(signer.Verify, backend, logger)
	}

	handler := httpserver.NewHandler(httpserver.HandlerConfig{
		Signer:   auditSigner,
		Verify:   signer.Verify,
		Store:    store,
		Recorder: recorder,
		Registry: manifestRegistry,
		Executor: executor,
		Proxy:    egressProxy,
		Metrics:  m,
		Log:      logger,
	})

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(flags.ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(flags.MetricsAddrFlag.Name),
		EnablePprof:              cCtx.Bool(flags.PprofFlag.Name),
		Log:                      logger,
		Metrics:                  m,
		DrainDuration:            time.Duration(cCtx.Int64(flags.DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Runtime is up", "proxyPort", egressProxy.Port())
	<-exit
	logger.Info("Shutdown signal received")

	srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := egressProxy.Stop(ctx); err != nil {
		logger.Error("Proxy shutdown incomplete", "err", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
