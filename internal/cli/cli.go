// ============================================================================
// Docflow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for the docflow binary
//
// Command Structure:
//   docflow                          # Root command
//   ├── run                          # Start engine, gRPC server, metrics
//   ├── status                       # Config summary and live queue stats
//   ├── ingest                       # Submit documents (flags or JSON file)
//   ├── case <id>                    # Show a case, optionally its history
//   ├── queue                        # List the review queue
//   ├── stats                        # Queue statistics
//   ├── review open|release|approve|reject <id>
//   ├── mask add <case-id> | rm <mask-id>
//   ├── retry <id>                   # Re-queue a failed case
//   ├── export <id>                  # Export an approved case
//   └── wal verify|dump <path>       # Offline WAL inspection
//
// Global flags:
//   --config, -c   config file (default: configs/default.yaml)
//   --addr         server address; defaults to server.grpc_addr from config
//   --timeout      per-RPC timeout
//
// run Command:
//   1. Load config and initialise logging
//   2. Build OCR client, exporter (file or s3) and export ledger
//   3. Create and start the engine (recovery runs here)
//   4. Serve gRPC and, if enabled, Prometheus metrics
//   5. On SIGINT/SIGTERM: health NOT_SERVING, drain gRPC, stop engine
//      (final snapshot), close the ledger
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/docflow/internal/config"
	"github.com/ChuLiYu/docflow/internal/engine"
	"github.com/ChuLiYu/docflow/internal/export"
	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/internal/metrics"
	"github.com/ChuLiYu/docflow/internal/ocr"
	"github.com/ChuLiYu/docflow/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var log = logging.For("cli")

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

// DefaultConfigPath is the --config default.
const DefaultConfigPath = "configs/default.yaml"

type rootOptions struct {
	configFile string
	addr       string
	timeout    time.Duration
}

// loadConfig reads the config file. A missing file at the default path
// falls back to built-in defaults so client commands work from any directory.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil && o.configFile == DefaultConfigPath && errors.Is(err, os.ErrNotExist) {
		return config.Load("")
	}
	return cfg, err
}

func (o *rootOptions) dial() (*server.Client, error) {
	addr := o.addr
	if addr == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.Server.GRPCAddr
	}
	return server.Dial(addr)
}

// withClient runs fn with a connected client and a per-call deadline.
func (o *rootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	c, err := o.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	return fn(ctx, c)
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "docflow",
		Short: "Docflow: document extraction review pipeline",
		Long: `Docflow moves scanned financial documents through OCR extraction,
confidence-based auto-approval, human review and export, with:
- WAL-based durability
- Snapshot-based recovery
- Noise masks per case and per vendor
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "server address (default: server.grpc_addr from config)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")

	rootCmd.AddCommand(
		buildRunCommand(opts),
		buildStatusCommand(opts),
		buildIngestCommand(opts),
		buildCaseCommand(opts),
		buildQueueCommand(opts),
		buildStatsCommand(opts),
		buildReviewCommand(opts),
		buildMaskCommand(opts),
		buildRetryCommand(opts),
		buildExportCommand(opts),
		buildWALCommand(),
	)
	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the docflow engine and gRPC server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logging.Init(cfg.LogConfig())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, nil)
		},
	}
}

// runSystem runs until ctx is done. A nil lis listens on server.grpc_addr.
func runSystem(ctx context.Context, cfg *config.Config, lis net.Listener) error {
	extractor, err := ocr.NewClient(cfg.OCRClientConfig())
	if err != nil {
		return fmt.Errorf("failed to create OCR client: %w", err)
	}
	exporter, err := buildExporter(ctx, cfg)
	if err != nil {
		return err
	}
	ledger, err := export.OpenLedger(cfg.Export.LedgerPath)
	if err != nil {
		return fmt.Errorf("failed to open export ledger: %w", err)
	}
	defer ledger.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Extractor:  extractor,
		Exporter:   exporter,
		Ledger:     ledger,
		Registerer: reg,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if lis == nil {
		lis, err = net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			eng.Stop()
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
		}
	}

	gs, hs := server.NewGRPCServer(server.NewServer(eng))
	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := gs.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			log.Info("metrics server listening", "port", cfg.Metrics.Port)
			if err := metrics.Serve(ctx, cfg.Metrics.Port, reg); err != nil {
				errCh <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	log.Info("system started", "workers", cfg.Engine.WorkerCount, "export_sink", cfg.Export.Sink)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal, stopping gracefully")
	case runErr = <-errCh:
		log.Error("component failed, shutting down", "error", runErr)
	}

	hs.Shutdown()
	gs.GracefulStop()
	eng.Stop()
	log.Info("system stopped")
	return runErr
}

func buildExporter(ctx context.Context, cfg *config.Config) (export.Exporter, error) {
	switch cfg.Export.Sink {
	case "s3":
		exp, err := export.NewS3ExporterFromConfig(ctx, cfg.S3Config())
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 exporter: %w", err)
		}
		return exp, nil
	default:
		exp, err := export.NewFileExporter(cfg.Export.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create file exporter: %w", err)
		}
		return exp, nil
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and live queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if opts.addr == "" {
				opts.addr = cfg.Server.GRPCAddr
			}
			return showStatus(cmd, opts, cfg)
		},
	}
}

func showStatus(cmd *cobra.Command, opts *rootOptions, cfg *config.Config) error {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  config file:        %s\n", opts.configFile)
	fmt.Fprintf(w, "  workers:            %d\n", cfg.Engine.WorkerCount)
	fmt.Fprintf(w, "  extraction timeout: %s\n", cfg.Engine.ExtractionTimeout)
	fmt.Fprintf(w, "  auto-approve at:    %.1f\n", cfg.Policy.AutoApproveThreshold)
	fmt.Fprintf(w, "  max retries:        %d\n", cfg.Retry.MaxRetries)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Storage:")
	fmt.Fprintf(w, "  wal:                %s\n", cfg.Storage.WALPath)
	fmt.Fprintf(w, "  snapshot:           %s (every %s, %d backups)\n",
		cfg.Storage.SnapshotPath, cfg.Storage.SnapshotInterval, cfg.Storage.SnapshotBackups)
	fmt.Fprintf(w, "  export sink:        %s\n", cfg.Export.Sink)
	fmt.Fprintf(w, "  export ledger:      %s\n", cfg.Export.LedgerPath)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Server %s:\n", opts.addr)
	err := opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
		ok, err := c.Healthy(ctx)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(w, "  health: %s\n", healthpb.HealthCheckResponse_NOT_SERVING)
			return nil
		}
		fmt.Fprintf(w, "  health: %s\n", healthpb.HealthCheckResponse_SERVING)
		st, err := c.QueueStats(ctx)
		if err != nil {
			return err
		}
		printStats(w, st)
		return nil
	})
	if err != nil {
		fmt.Fprintf(w, "  not reachable (%v)\n", err)
	}
	return nil
}
