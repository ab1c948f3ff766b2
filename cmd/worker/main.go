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
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_relay/internal/app"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const serviceName = "harbor-relay-worker"

var errNSQDisabled = errors.New("worker requires NSQ_ENABLED=true")

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	logging.SetLevel(cfg.LogLevel)
	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("worker failed")
	}
	logger.Plain().Info("worker stopped")
}

func requireNSQ(cfg config.Config) error {
	if !cfg.NSQ.Enabled {
		return errNSQDisabled
	}
	if cfg.NSQ.NsqdTCPAddr == "" && cfg.NSQ.LookupHTTPAddr == "" {
		return errors.New("worker needs NSQD_TCP_ADDR or NSQ_LOOKUP_HTTP_ADDR")
	}
	return nil
}

func consumerConfig(cfg config.Config) queue.ConsumerConfig {
	return queue.ConsumerConfig{
		Topic:        cfg.NSQ.DeliveriesTopic,
		Channel:      cfg.NSQ.WorkerChannel,
		NsqdTCPAddr:  cfg.NSQ.NsqdTCPAddr,
		LookupdAddr:  cfg.NSQ.LookupHTTPAddr,
		Concurrency:  cfg.Delivery.Concurrency,
		RequeueDelay: queue.DefaultRequeueDelay,
	}
}

// opsMux serves the worker's liveness and metrics endpoints
func opsMux(a *app.App) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(a.Store))
	mux.Handle("/metrics", a.MetricsHandler())
	return mux
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	if err := requireNSQ(cfg); err != nil {
		return err
	}
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

	consumer, err := queue.NewConsumer(consumerConfig(cfg), a.RunFunc())
	if err != nil {
		return err
	}
	if err := consumer.Connect(); err != nil {
		return err
	}
	defer consumer.Stop()

	lis, err := net.Listen("tcp", cfg.Worker.HTTPPort)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Handler: opsMux(a), ReadHeaderTimeout: 10 * time.Second}
	monitor := queue.NewBacklogMonitor(queue.NsqdHTTPAddr(cfg.NSQ.NsqdTCPAddr), cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", lis.Addr().String()).
			WithField("topic", cfg.NSQ.DeliveriesTopic).
			WithField("concurrency", cfg.Delivery.Concurrency).
			Info("worker consuming")
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		monitor.Run(gctx, cfg.Worker.BacklogInterval)
		return nil
	})
	g.Go(func() error {
		a.RunRescuer(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}
