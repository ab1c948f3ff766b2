package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_relay/internal/app"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const (
	serviceName    = "harbor-relay"
	healthInterval = 10 * time.Second
	shutdownGrace  = 15 * time.Second
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	logging.SetLevel(cfg.LogLevel)
	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("relay failed")
	}
	logger.Plain().Info("relay stopped")
}

// newGRPCServer serves only grpc.health.v1, instrumented with otelgrpc
func newGRPCServer() (*grpc.Server, *grpc_health.Server) {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdownTracing, err := tracing.InitTracing(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.StartDispatcher(ctx)

	handler, err := a.Handler()
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPPort)
	if err != nil {
		return err
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		httpLis.Close()
		return err
	}

	httpSrv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	grpcSrv, hs := newGRPCServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", httpLis.Addr().String()).WithField("mode", a.Gateway.Mode()).Info("relay HTTP listening")
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Plain().WithField("addr", grpcLis.Addr().String()).Info("relay gRPC listening")
		return grpcSrv.Serve(grpcLis)
	})
	g.Go(func() error {
		health.Watch(gctx, hs, "", a.Store, healthInterval)
		return nil
	})
	g.Go(func() error {
		a.RunSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		a.RunRescuer(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}
