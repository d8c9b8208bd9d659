package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/socialgouv/buildsrv/pkg/config"
	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/grpc"
	"github.com/socialgouv/buildsrv/pkg/http"
	"github.com/socialgouv/buildsrv/pkg/logger"
)

func newServeCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the build server control API, health and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.GRPCAddress, "grpc-addr", cfg.GRPCAddress, "gRPC health server address")
	flags.StringVar(&cfg.HTTPAddress, "http-addr", cfg.HTTPAddress, "HTTP server address for the control API, health checks and metrics")
	flags.BoolVar(&cfg.TLSEnabled, "tls-enabled", cfg.TLSEnabled, "Enable TLS on the gRPC server")
	flags.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Path to TLS certificate file")
	flags.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Path to TLS key file")
	flags.DurationVar(&cfg.StartTimeout, "start-timeout", cfg.StartTimeout, "Timeout for spawn plus handshake")
	flags.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Wait between SIGTERM and kill")
	flags.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Terminate build servers unused for this long (0 disables)")
	flags.DurationVar(&cfg.GCInterval, "gc-interval", cfg.GCInterval, "Interval between idle checks")
	flags.IntVar(&cfg.MaxConcurrentStarts, "max-concurrent-starts", cfg.MaxConcurrentStarts, "Simultaneous starts per strategy (0 is unlimited)")
	flags.IntVar(&cfg.RemotePortBase, "remote-port-base", cfg.RemotePortBase, "First port handed to remote build servers")

	return cmd
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	log := logger.WithComponent(newLogger(cmd, cfg), "main")
	log.Info("Configuration loaded from environment variables and command line flags")

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		err = pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeInvalidInput, "failed to build factory registry")
		log.WithFields(pkgerrors.GetFields(err)).Error("Invalid configuration")
		return err
	}

	grpcServer := grpc.NewServer(registry, grpc.DefaultHealthInterval, log)
	httpServer := http.NewServer(registry, log, http.WithLauncher(http.RegistryLauncher(registry)))

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Start(cfg.GRPCAddress, cfg.TLSEnabled, cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			errCh <- pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeInternalError, "failed to start gRPC server")
		}
	}()
	go func() {
		if err := httpServer.Start(cfg.HTTPAddress); err != nil && !http.IsServerClosed(err) {
			errCh <- pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeInternalError, "failed to start HTTP server")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received termination signal")
	case runErr = <-errCh:
		log.WithFields(pkgerrors.GetFields(runErr)).Error("Server failed")
	}

	log.Info("Shutting down servers...")

	// Every build server gets its grace period, plus room for the rest
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		err = pkgerrors.Wrap(err, "error stopping HTTP server")
		log.WithFields(pkgerrors.GetFields(err)).Error("Failed to stop HTTP server")
	}
	grpcServer.Stop()

	if err := registry.Close(shutdownCtx); err != nil {
		err = pkgerrors.Wrap(err, "error disposing build servers")
		log.WithFields(pkgerrors.GetFields(err)).Error("Failed to dispose build servers")
	}

	log.Info("Shutdown complete")
	return runErr
}
