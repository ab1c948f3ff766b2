package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	ModeDirect = "direct"
	ModeQueued = "queued"
)

type DB struct {
	Driver     string // postgres or sqlite
	User       string
	Pass       string
	Host       string
	Port       string
	Name       string
	SQLitePath string
	MaxConns   int32
}

type NSQ struct {
	Enabled         bool
	NsqdTCPAddr     string // e.g. nsqd:4150
	LookupHTTPAddr  string // e.g. nsqlookupd:4161
	DeliveriesTopic string
	DLQTopic        string
	WorkerChannel   string
	PublishDLQ      bool
}

type Delivery struct {
	MaxAttempts int
	RetryDelays []time.Duration
	Timeout     time.Duration // per outbound request
	ClaimLease  time.Duration // processing rows older than this are reclaimable
	Concurrency int
	Mode        string // direct or queued
	UserAgent   string
}

type Retention struct {
	Enabled   bool
	Period    time.Duration
	BatchSize int
	Interval  time.Duration
}

type Cache struct {
	TTL           time.Duration
	RedisAddr     string // empty disables the redis tier
	RedisPassword string
	RedisDB       int
}

type Ingest struct {
	MaxBodyBytes int64
	RateLimit    float64 // requests per second, 0 disables
	RateBurst    int
}

type Auth struct {
	PublicKeyPEM string // RS256 public key guarding operator routes; empty disables
	Issuer       string
	Audience     string
}

type Worker struct {
	HTTPPort        string
	BacklogInterval time.Duration
}

type FakeReceiver struct {
	FailFirstN      int
	EndpointSecret  string
	ResponseDelayMS int
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

type Config struct {
	AppName      string
	LogLevel     string
	OTLPEndpoint string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	DB           DB
	NSQ          NSQ
	Delivery     Delivery
	Retention    Retention
	Cache        Cache
	Ingest       Ingest
	Auth         Auth
	Worker       Worker
	FakeReceiver FakeReceiver
}

var DefaultRetryDelays = []time.Duration{
	10 * time.Second, 30 * time.Second, time.Minute, 5 * time.Minute, 15 * time.Minute,
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseRetryDelays reads a comma separated list of durations. Entries that fail to
// parse are skipped; an empty result falls back to DefaultRetryDelays.
func parseRetryDelays(schedule string) []time.Duration {
	var delays []time.Duration
	for _, part := range strings.Split(schedule, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if d, err := time.ParseDuration(part); err == nil && d >= 0 {
			delays = append(delays, d)
		}
	}
	if len(delays) == 0 {
		return append([]time.Duration(nil), DefaultRetryDelays...)
	}
	return delays
}

func FromEnv() Config {
	return Config{
		AppName:      getenv("APP_NAME", "harbor-relay"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		HTTPPort:     getenv("HTTP_PORT", ":8080"),
		GRPCPort:     getenv("GRPC_PORT", ":50051"),
		DB: DB{
			Driver:     getenv("DB_DRIVER", DriverPostgres),
			User:       getenv("DB_USER", "postgres"),
			Pass:       getenv("DB_PASS", "postgres"),
			Host:       getenv("DB_HOST", "postgres"),
			Port:       getenv("DB_PORT", "5432"),
			Name:       getenv("DB_NAME", "harborrelay"),
			SQLitePath: getenv("SQLITE_PATH", "harbor_relay.db"),
			MaxConns:   int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		NSQ: NSQ{
			Enabled:         getenvBool("NSQ_ENABLED", false),
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "nsqlookupd:4161"),
			DeliveriesTopic: getenv("NSQ_DELIVERIES_TOPIC", "deliveries"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Delivery: Delivery{
			MaxAttempts: getenvInt("MAX_RETRY_ATTEMPTS", 5),
			RetryDelays: parseRetryDelays(getenv("RETRY_DELAYS", "")),
			Timeout:     getenvDuration("DELIVERY_TIMEOUT", 10*time.Second),
			ClaimLease:  getenvDuration("CLAIM_LEASE", 2*time.Minute),
			Concurrency: getenvInt("WORKER_CONCURRENCY", 10),
			Mode:        getenv("DELIVERY_MODE", ModeQueued),
			UserAgent:   getenv("DELIVERY_USER_AGENT", "Harbor-Relay/1.0"),
		},
		Retention: Retention{
			Enabled:   getenvBool("RETENTION_ENABLED", true),
			Period:    getenvDuration("RETENTION_PERIOD", 72*time.Hour),
			BatchSize: getenvInt("RETENTION_BATCH_SIZE", 100),
			Interval:  getenvDuration("SWEEPER_INTERVAL", time.Hour),
		},
		Cache: Cache{
			TTL:           getenvDuration("SUBSCRIPTION_CACHE_TTL", 5*time.Minute),
			RedisAddr:     getenv("REDIS_ADDR", ""),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("REDIS_DB", 0),
		},
		Ingest: Ingest{
			MaxBodyBytes: int64(getenvInt("INGEST_MAX_BODY_BYTES", 1<<20)),
			RateLimit:    getenvFloat("INGEST_RATE_LIMIT", 0),
			RateBurst:    getenvInt("INGEST_RATE_BURST", 50),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("OPERATOR_JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("OPERATOR_JWT_ISSUER", ""),
			Audience:     getenv("OPERATOR_JWT_AUDIENCE", ""),
		},
		Worker: Worker{
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8083"),
			BacklogInterval: getenvDuration("BACKLOG_INTERVAL", 15*time.Second),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:  getenv("ENDPOINT_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// Validate rejects settings the engine cannot run with
func (c Config) Validate() error {
	switch c.DB.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("config: unknown DB_DRIVER %q", c.DB.Driver)
	}
	switch c.Delivery.Mode {
	case ModeDirect, ModeQueued:
	default:
		return fmt.Errorf("config: unknown DELIVERY_MODE %q", c.Delivery.Mode)
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_RETRY_ATTEMPTS must be at least 1, got %d", c.Delivery.MaxAttempts)
	}
	if c.Delivery.Timeout <= 0 {
		return fmt.Errorf("config: DELIVERY_TIMEOUT must be positive")
	}
	if c.Delivery.ClaimLease <= c.Delivery.Timeout {
		return fmt.Errorf("config: CLAIM_LEASE (%s) must exceed DELIVERY_TIMEOUT (%s)", c.Delivery.ClaimLease, c.Delivery.Timeout)
	}
	if c.Delivery.Concurrency < 1 {
		return fmt.Errorf("config: WORKER_CONCURRENCY must be at least 1")
	}
	if c.Retention.BatchSize < 1 {
		return fmt.Errorf("config: RETENTION_BATCH_SIZE must be at least 1")
	}
	if c.Retention.Period <= 0 || c.Retention.Interval <= 0 {
		return fmt.Errorf("config: RETENTION_PERIOD and SWEEPER_INTERVAL must be positive")
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
