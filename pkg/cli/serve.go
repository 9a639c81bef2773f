package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/protoforge/mockgrpc/pkg/handler"
	"github.com/protoforge/mockgrpc/pkg/logging"
	"github.com/protoforge/mockgrpc/pkg/metrics"
	"github.com/protoforge/mockgrpc/pkg/mockconfig"
	"github.com/protoforge/mockgrpc/pkg/reload"
)

// shutdownTimeout bounds how long Stop waits for in-flight calls to drain.
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mock gRPC/Connect server (default command)",
	Long: `Start the mock server: load .proto schemas and rule documents from disk,
bind the plaintext gRPC, optional TLS gRPC, and Connect/gRPC-Web listeners,
and watch both directories for changes.

Configuration is entirely environment-variable driven (MOCKGRPC_PROTO_DIR,
MOCKGRPC_RULE_DIR, GRPC_PORT_PLAINTEXT, GRPC_TLS_*, CONNECT_*, VALIDATION_*,
HOT_RELOAD_*, MOCKGRPC_LOG_*); see package mockconfig for the full list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("mockgrpcd %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		return nil
	},
}

func runServe() error {
	cfg := mockconfig.Load()

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
	})

	rec := metrics.NewRecorder(prometheus.DefaultRegisterer)

	h := handler.New(handler.Dependencies{
		Metrics: rec,
		Logger:  logger,
		Config: handler.ValidationSettings{
			Enabled: cfg.Validation.Enabled,
			Mode:    cfg.Validation.Mode,
		},
	})

	coordinator := reload.New(cfg, h, rec, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("initial bring-up failed: %w", err)
	}

	logger.Info("mockgrpcd started",
		"proto_dir", cfg.ProtoDir,
		"rule_dir", cfg.RuleDir,
		"grpc_plaintext_port", cfg.GRPCPortPlaintext,
		"grpc_tls_enabled", cfg.TLS.Enabled,
		"connect_enabled", cfg.Connect.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	coordinator.Stop(stopCtx)

	logger.Info("shutdown complete")
	return nil
}
