package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/store"
)

const (
	DefaultMaxBodyBytes = 1 << 20
	DefaultListLimit    = 20
	MaxListLimit        = 100

	HeaderEventType = "X-Event-Type"
)

// API serves ingestion and the operator status routes
type API struct {
	gw       *Gateway
	store    Store
	subs     Subscriptions
	limiter  *rate.Limiter
	verifier *auth.Verifier
	maxBody  int64
	log      *logging.Logger
}

type APIOption func(*API)

// WithRateLimit caps ingestion at rps requests per second with the given burst. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) APIOption {
	return func(a *API) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithOperatorAuth requires a bearer token on the status and listing routes
func WithOperatorAuth(v *auth.Verifier) APIOption {
	return func(a *API) { a.verifier = v }
}

func WithMaxBodyBytes(n int64) APIOption {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func NewAPI(gw *Gateway, opts ...APIOption) *API {
	a := &API{
		gw:      gw,
		store:   gw.store,
		subs:    gw.subs,
		maxBody: DefaultMaxBodyBytes,
		log:     logging.New("ingest-http"),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Register mounts the routes on a grpc-gateway mux
func (a *API) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{http.MethodPost, "/api/ingest/{subscription_id}", a.handleIngest},
		{http.MethodGet, "/api/delivery/{delivery_id}", a.operator(a.handleDelivery)},
		{http.MethodGet, "/api/subscriptions/{subscription_id}/deliveries", a.operator(a.handleListDeliveries)},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.h); err != nil {
			return err
		}
	}
	return nil
}

func (a *API) operator(h runtime.HandlerFunc) runtime.HandlerFunc {
	if a.verifier == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		a.verifier.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h(w, r, params)
		})).ServeHTTP(w, r)
	}
}

type ingestResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if a.limiter != nil && !a.limiter.Allow() {
		metrics.RecordIngest("rate_limited")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.RecordIngest("invalid")
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	eventType := r.Header.Get(HeaderEventType)
	if eventType == "" {
		eventType = r.URL.Query().Get("event_type")
	}

	rec, err := a.gw.Ingest(r.Context(), params["subscription_id"], body, eventType, r.Header.Get(signing.Header))
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	case delivery.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case delivery.IsAuthentication(err):
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	default:
		a.log.WithContext(r.Context()).WithSubscription(params["subscription_id"]).WithError(err).Error("ingest failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if rec.Filtered {
		writeJSON(w, http.StatusAccepted, ingestResponse{
			Status:  "rejected",
			Message: "subscription does not accept events of type: " + eventType,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{
		Status:     "accepted",
		Message:    "webhook accepted for delivery",
		DeliveryID: rec.DeliveryID,
	})
}

// DeliveryView is a delivery as the status routes report it. Status is the coarse
// four-valued status and State the stored one.
type DeliveryView struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	EventType      string     `json:"event_type,omitempty"`
	Status         string     `json:"status"`
	State          string     `json:"state"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func NewDeliveryView(d delivery.Delivery) DeliveryView {
	return DeliveryView{
		ID:             d.ID,
		SubscriptionID: d.SubscriptionID,
		EventType:      d.EventType,
		Status:         string(d.Status.Coarse()),
		State:          string(d.Status),
		NextAttemptAt:  d.NextAttemptAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		CompletedAt:    d.CompletedAt,
	}
}

type StatusResponse struct {
	Delivery DeliveryView       `json:"delivery"`
	Attempts []delivery.Attempt `json:"attempts"`
}

type ListResponse struct {
	SubscriptionID string         `json:"subscription_id"`
	Deliveries     []DeliveryView `json:"deliveries"`
}

func (a *API) handleDelivery(w http.ResponseWriter, r *http.Request, params map[string]string) {
	ctx := r.Context()
	id := params["delivery_id"]
	d, err := a.store.GetDelivery(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		a.log.WithContext(ctx).WithDelivery(id).WithError(err).Error("get delivery failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	attempts, err := a.store.ListAttempts(ctx, id)
	if err != nil {
		a.log.WithContext(ctx).WithDelivery(id).WithError(err).Error("list attempts failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if attempts == nil {
		attempts = []delivery.Attempt{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{Delivery: NewDeliveryView(d), Attempts: attempts})
}

func (a *API) handleListDeliveries(w http.ResponseWriter, r *http.Request, params map[string]string) {
	ctx := r.Context()
	subID := params["subscription_id"]
	if _, err := a.subs.GetSubscription(ctx, subID); err != nil {
		if errors.Is(err, delivery.ErrSubscriptionNotFound) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		a.log.WithContext(ctx).WithSubscription(subID).WithError(err).Error("get subscription failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ds, err := a.store.ListDeliveries(ctx, subID, parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		a.log.WithContext(ctx).WithSubscription(subID).WithError(err).Error("list deliveries failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]DeliveryView, 0, len(ds))
	for _, d := range ds {
		views = append(views, NewDeliveryView(d))
	}
	writeJSON(w, http.StatusOK, ListResponse{SubscriptionID: subID, Deliveries: views})
}

// parseLimit defaults unparseable or non-positive values and caps the rest
func parseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return DefaultListLimit
	}
	return min(n, MaxListLimit)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
