// Package app assembles the delivery engine from configuration. Binaries build one App
// and pass its parts explicitly; nothing in the engine reads global state.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/executor"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/ingest"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/registry"
	"github.com/austindbirch/harbor_relay/internal/retention"
	"github.com/austindbirch/harbor_relay/internal/scheduler"
	"github.com/austindbirch/harbor_relay/internal/store"
)

const (
	RescueInterval = 30 * time.Second
	RescueBatch    = 100
)

type App struct {
	Config    config.Config
	Store     store.Store
	Registry  *registry.Registry
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler
	Gateway   *ingest.Gateway
	API       *ingest.API
	Sweeper   *retention.Sweeper
	Metrics   *prometheus.Registry

	// Exactly one of Local and Publisher is set, depending on NSQ.Enabled
	Local     *queue.Local
	Publisher *queue.NSQPublisher

	producer *nsq.Producer
	redis    *goredis.Client
	log      *logging.Logger
}

// New opens the configured store and builds an App on it
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a, err := NewWithStore(cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

// NewWithStore builds an App on an already opened store. The App owns st from here on.
func NewWithStore(cfg config.Config, st store.Store) (*App, error) {
	a := &App{Config: cfg, Store: st, log: logging.New(cfg.AppName)}

	var regOpts []registry.Option
	if cfg.Cache.RedisAddr != "" {
		a.redis = registry.NewRedisClient(registry.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		regOpts = append(regOpts, registry.WithRemote(registry.NewRedisCache(a.redis)))
	}
	a.Registry = registry.New(st, cfg.Cache.TTL, regOpts...)

	a.Executor = executor.New(st, executor.Config{
		Timeout:   cfg.Delivery.Timeout,
		UserAgent: cfg.Delivery.UserAgent,
	})

	var schedOpts []scheduler.Option
	var enq queue.Enqueuer
	if cfg.NSQ.Enabled {
		prod, err := queue.NewProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			a.closeClients()
			return nil, err
		}
		a.producer = prod
		dlqTopic := ""
		if cfg.NSQ.PublishDLQ {
			dlqTopic = cfg.NSQ.DLQTopic
		}
		a.Publisher = queue.NewNSQPublisher(prod, cfg.NSQ.DeliveriesTopic, dlqTopic)
		schedOpts = append(schedOpts, scheduler.WithDeadLetters(a.Publisher))
		enq = a.Publisher
	} else {
		a.Local = queue.NewLocal(cfg.Delivery.Concurrency, queue.DefaultRequeueDelay)
		enq = a.Local
	}

	a.Scheduler = scheduler.New(st, a.Registry, a.Executor, scheduler.Config{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		RetryDelays: cfg.Delivery.RetryDelays,
		ClaimLease:  cfg.Delivery.ClaimLease,
	}, schedOpts...)
	a.Scheduler.SetEnqueuer(enq)

	var gwOpts []ingest.Option
	if cfg.Delivery.Mode == config.ModeQueued {
		gwOpts = append(gwOpts, ingest.WithQueue(enq))
	}
	a.Gateway = ingest.New(st, a.Registry, a.Scheduler, gwOpts...)

	apiOpts := []ingest.APIOption{
		ingest.WithMaxBodyBytes(cfg.Ingest.MaxBodyBytes),
		ingest.WithRateLimit(cfg.Ingest.RateLimit, cfg.Ingest.RateBurst),
	}
	if cfg.Auth.PublicKeyPEM != "" {
		v, err := auth.NewVerifier(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			a.closeClients()
			return nil, fmt.Errorf("operator auth: %w", err)
		}
		apiOpts = append(apiOpts, ingest.WithOperatorAuth(v))
	}
	a.API = ingest.NewAPI(a.Gateway, apiOpts...)

	a.Sweeper = retention.New(st, retention.Config{
		Period:    cfg.Retention.Period,
		BatchSize: cfg.Retention.BatchSize,
		Interval:  cfg.Retention.Interval,
	})

	a.Metrics = prometheus.NewRegistry()
	metrics.MustRegister(a.Metrics)
	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return a, nil
}

// RunFunc is the task handler shared by the NSQ consumer and the local dispatcher
func (a *App) RunFunc() queue.RunFunc {
	return func(ctx context.Context, id string) error {
		_, err := a.Scheduler.Run(ctx, id)
		return err
	}
}

// StartDispatcher starts the in-process dispatcher when NSQ is disabled
func (a *App) StartDispatcher(ctx context.Context) {
	if a.Local != nil {
		a.Local.Start(ctx, a.RunFunc())
	}
}

// RunSweeper blocks running the retention sweeper until ctx is done, unless retention is disabled
func (a *App) RunSweeper(ctx context.Context) {
	if !a.Config.Retention.Enabled {
		a.log.Plain().Info("retention sweeper disabled")
		return
	}
	a.Sweeper.Run(ctx)
}

// RunRescuer re-enqueues deliveries whose task was lost, until ctx is done
func (a *App) RunRescuer(ctx context.Context) {
	if _, err := a.Scheduler.RescueDue(ctx, RescueBatch); err != nil {
		a.log.Plain().WithError(err).Warn("initial rescue pass failed")
	}
	a.Scheduler.RunRescuer(ctx, RescueInterval, RescueBatch)
}

// Handler serves the API routes plus /healthz and /metrics
func (a *App) Handler() (http.Handler, error) {
	gwmux := runtime.NewServeMux()
	if err := a.API.Register(gwmux); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(a.Store))
	mux.Handle("/metrics", a.MetricsHandler())
	mux.Handle("/", gwmux)
	return mux, nil
}

func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{})
}

// Close stops the dispatcher, then releases the queue, cache and store clients
func (a *App) Close() {
	if a.Local != nil {
		a.Local.Stop()
	}
	a.closeClients()
	a.Store.Close()
}

func (a *App) closeClients() {
	if a.producer != nil {
		a.producer.Stop()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
