package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/executor"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/signing"
)

// receiver is a subscriber endpoint for local testing: it verifies signatures and can
// fail its first N requests to exercise retries
type receiver struct {
	secret     string
	failFirstN int
	delay      time.Duration
	log        *logging.Logger

	mu    sync.Mutex
	count int
}

func newReceiver(cfg config.FakeReceiver) *receiver {
	return &receiver{
		secret:     cfg.EndpointSecret,
		failFirstN: cfg.FailFirstN,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		log:        logging.New("fake-receiver"),
	}
}

func (rv *receiver) next() int {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	rv.count++
	return rv.count
}

func (rv *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rv.next()
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	entry := rv.log.Plain().WithFields(map[string]any{
		"request":    n,
		"webhook_id": r.Header.Get(executor.HeaderWebhookID),
		"attempt":    r.Header.Get(executor.HeaderAttempt),
		"event_type": r.Header.Get(executor.HeaderEventType),
		"body":       truncate(string(b), 160),
	})

	if rv.secret != "" && !signing.Verify(rv.secret, b, r.Header.Get(signing.Header)) {
		entry.Warn("signature verification failed")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if rv.delay > 0 {
		select {
		case <-time.After(rv.delay):
		case <-r.Context().Done():
			return
		}
	}

	if n <= rv.failFirstN {
		entry.Warnf("failing request %d/%d", n, rv.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	entry.Info("webhook received")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rv *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rv.handleHook)
	return mux
}

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	log := logging.New("fake-receiver")

	rv := newReceiver(cfg.FakeReceiver)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rv.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	go func() {
		log.Plain().WithFields(map[string]any{
			"addr":         srv.Addr,
			"fail_first_n": rv.failFirstN,
			"verify":       rv.secret != "",
		}).Info("fake-receiver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Plain().WithError(err).Fatal("fake-receiver failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Plain().Info("fake-receiver stopped")
}

// truncate shortens s to n bytes for logging
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
