package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	csipb "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/cuemby/poseidon/internal/csi"
	"github.com/cuemby/poseidon/internal/log"
	"github.com/cuemby/poseidon/internal/metrics"
	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/pool"
	"github.com/cuemby/poseidon/internal/pstore/boltpstore"
	"github.com/cuemby/poseidon/internal/registry"
	"github.com/cuemby/poseidon/internal/restapi"
	"github.com/cuemby/poseidon/internal/tracing"
	"github.com/cuemby/poseidon/internal/volmgr"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane: registry, pool reconciler, volume manager and CSI server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("control-plane")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		ServiceName: "poseidon-control-plane",
	}); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	store, err := boltpstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("persistent store: %w", err)
	}
	defer store.Close()

	reg := registry.New(node.Config{
		SyncPeriod:   cfg.SyncPeriod,
		BadSyncLimit: cfg.BadSyncLimit,
		SyncRetry:    cfg.SyncRetry,
	})

	volumes := volmgr.New(reg, reg, store)
	reconciler := pool.New(reg, store)

	go reconciler.Route(ctx, reg)
	go volumes.Route(ctx, reg)
	logger.Info().Msg("registry, pool reconciler and volume manager started")

	collector := metrics.NewCollector(reg, volumes, cfg.SyncPeriod)
	collector.Start()
	defer collector.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveGRPC(gctx, cfg.GRPCSocket, reg, volumes) })
	g.Go(func() error { return serveREST(gctx, cfg.RESTPort, reg, volumes) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsPort) })

	logger.Info().
		Str("grpcSocket", cfg.GRPCSocket).
		Int("restPort", cfg.RESTPort).
		Int("metricsPort", cfg.MetricsPort).
		Msg("control plane ready")

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// serveGRPC listens on socketPath until ctx is cancelled, then drains in
// flight requests via GracefulStop before returning.
func serveGRPC(ctx context.Context, socketPath string, reg *registry.Registry, volumes *volmgr.Manager) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(csi.MetricsInterceptor()))
	csipb.RegisterIdentityServer(grpcServer, csi.NewIdentityServer())
	csipb.RegisterControllerServer(grpcServer, csi.NewControllerServer(volumes, reg))

	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return fmt.Errorf("csi grpc server: %w", err)
	}
}

func serveREST(ctx context.Context, port int, reg *registry.Registry, volumes *volmgr.Manager) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	restapi.NewHandler(reg, volumes).RegisterRoutes(engine.Group(""))

	return serveHTTP(ctx, &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: engine}, "rest server")
}

func serveMetrics(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	return serveHTTP(ctx, &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}, "metrics server")
}

// serveHTTP runs srv until ctx is cancelled, then shuts it down with a
// bounded grace period.
func serveHTTP(ctx context.Context, srv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}
