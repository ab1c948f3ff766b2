package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is anything whose liveness can be probed, normally the store
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database"`
}

const pingTimeout = time.Second

func check(ctx context.Context, p Pinger) Status {
	if p == nil {
		return Status{OK: true, Message: "ok", Database: true}
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: "db ping failed"}
	}
	return Status{OK: true, Message: "ok", Database: true}
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := check(r.Context(), p)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch keeps the gRPC health status of service in step with p until ctx is done.
// The empty service name ("") reports overall server health.
func Watch(ctx context.Context, srv *health.Server, service string, p Pinger, interval time.Duration) {
	update := func() {
		if check(ctx, p).OK {
			srv.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
		} else {
			srv.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
	update()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
