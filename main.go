// Remote server - session server for browser-hosted editors
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/remote-server/internal/config"
	"github.com/workspace/remote-server/internal/logging"
	"github.com/workspace/remote-server/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

// serveFlags override the environment configuration when set.
type serveFlags struct {
	host           string
	port           int
	dbPath         string
	extHostCommand string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags serveFlags

	serve := func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cmd, flags)
	}

	root := &cobra.Command{
		Use:          "remote-server",
		Short:        "Remote development session server",
		Long:         "Serve editor management and extension host sessions over upgraded sockets, keeping them alive across reconnects.",
		SilenceUsage: true,
		RunE:         serve,
	}
	root.PersistentFlags().StringVar(&flags.host, "host", "", "Listen host (overrides REMOTE_SERVER_HOST)")
	root.PersistentFlags().IntVar(&flags.port, "port", 0, "Listen port (overrides REMOTE_SERVER_PORT)")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "Connection ledger database path (overrides PERSISTENCE_DB_PATH)")
	root.PersistentFlags().StringVar(&flags.extHostCommand, "exthost-command", "", "Extension host executable (overrides EXTHOST_COMMAND)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "remote-server", version)
		},
	})
	return root
}

// applyFlags copies explicitly set flags onto cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config, flags serveFlags) {
	fs := cmd.Flags()
	if fs.Changed("host") {
		cfg.Host = flags.host
	}
	if fs.Changed("port") {
		cfg.Port = flags.port
	}
	if fs.Changed("db") {
		cfg.PersistenceDBPath = flags.dbPath
	}
	if fs.Changed("exthost-command") {
		cfg.ExtHostCommand = flags.extHostCommand
	}
}

func runServe(ctx context.Context, cmd *cobra.Command, flags serveFlags) error {
	logging.Setup()
	slog.Info("Starting remote server", "version", version)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	applyFlags(cmd, cfg, flags)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	// Bind before serving so a busy port fails startup.
	if err := srv.Listen(); err != nil {
		_ = srv.Stop(context.Background())
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = srv.Stop(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Received signal, shutting down")
	case <-srv.IdleShutdown():
		slog.Info("Idle timeout reached, shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	slog.Info("Remote server stopped")
	return nil
}
