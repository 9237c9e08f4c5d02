package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/renderjob/internal/bus"
	"github.com/ChuLiYu/renderjob/internal/controller"
	"github.com/ChuLiYu/renderjob/internal/httpapi"
	"github.com/ChuLiYu/renderjob/internal/metrics"
	"github.com/ChuLiYu/renderjob/internal/server"
)

const shutdownTimeout = 10 * time.Second

func (a *app) buildServeCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job store with its gRPC and HTTP front ends",
		Long: `Serve recovers every job under the data directory, replays the
journal and then accepts changes over gRPC and HTTP until interrupted.
Applied changes are published on NATS when nats.url is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(a.configFile)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.Data.Dir = dataDir
			}
			return serve(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override data.dir from the config file")
	return cmd
}

func serve(cmd *cobra.Command, cfg *Config) error {
	out := cmd.OutOrStdout()

	opts := []controller.Option{controller.WithMetrics(metrics.NewCollector())}

	if cfg.NATS.URL != "" {
		nc, err := bus.Connect(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Close()
		opts = append(opts, controller.WithPublisher(nc))
		log.Info("Publishing status changes", "url", cfg.NATS.URL, "subject", bus.StatusSubjectAll)
	}

	ctrl, err := controller.NewController(controller.Config{
		DataDir:          cfg.Data.Dir,
		JournalPath:      cfg.Data.JournalPath,
		SnapshotInterval: time.Duration(cfg.Data.FlushIntervalSeconds) * time.Second,
		SyncOnAppend:     cfg.Data.SyncOnAppend,
		Workers:          cfg.Data.Workers,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	errCh := make(chan error, 2)

	var gs *grpc.Server
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on gRPC port: %w", err)
		}
		gs = grpc.NewServer()
		server.NewServer(ctrl).Register(gs)
		go func() {
			if err := gs.Serve(lis); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
		fmt.Fprintf(out, "✓ gRPC listening on %s\n", lis.Addr())
	}

	var hs *http.Server
	if cfg.HTTP.Enabled {
		hs = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:           httpapi.NewRouter(ctrl),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
		fmt.Fprintf(out, "✓ HTTP listening on %s\n", hs.Addr)
	}

	if cfg.Metrics.Port > 0 {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Warn("Metrics server stopped", "error", err)
			}
		}()
		fmt.Fprintf(out, "✓ Metrics on :%d/metrics\n", cfg.Metrics.Port)
	}

	fmt.Fprintf(out, "✓ Serving %d jobs from %s\n", len(ctrl.JobIDs()), cfg.Data.Dir)
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case <-sigCh:
		fmt.Fprintln(out, "\n⏹  Shutting down...")
	case serveErr = <-errCh:
		log.Error("Server failed", "error", serveErr)
	case <-contextOf(cmd).Done():
	}

	if gs != nil {
		gs.GracefulStop()
	}
	if hs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hs.Shutdown(ctx); err != nil {
			log.Warn("HTTP shutdown failed", "error", err)
		}
	}
	fmt.Fprintln(out, "✓ Stopped")
	return serveErr
}
