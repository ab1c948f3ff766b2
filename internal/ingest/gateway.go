// Package ingest accepts events for a subscription, gates them on payload, event type and
// signature, records a pending Delivery and hands it to the scheduler.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/scheduler"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const (
	ModeDirect = "direct"
	ModeQueued = "queued"
)

// Store is the persistence the gateway and the status routes need
type Store interface {
	CreateDelivery(ctx context.Context, d delivery.Delivery) error
	GetDelivery(ctx context.Context, id string) (delivery.Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]delivery.Delivery, error)
	ListAttempts(ctx context.Context, deliveryID string) ([]delivery.Attempt, error)
}

// Subscriptions returns delivery.ErrSubscriptionNotFound for unknown ids
type Subscriptions interface {
	GetSubscription(ctx context.Context, id string) (delivery.Subscription, error)
}

// Runner is the scheduler entry point shared by both dispatch modes
type Runner interface {
	Run(ctx context.Context, deliveryID string) (scheduler.Result, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, deliveryID string, delay time.Duration) error
}

// Receipt acknowledges an ingested event. Filtered receipts carry no delivery.
type Receipt struct {
	DeliveryID string
	Filtered   bool
}

type Gateway struct {
	store  Store
	subs   Subscriptions
	runner Runner
	queue  Enqueuer
	mode   string
	log    *logging.Logger
	now    func() time.Time
}

type Option func(*Gateway)

// WithQueue switches the gateway to queued mode
func WithQueue(q Enqueuer) Option {
	return func(g *Gateway) {
		g.queue = q
		g.mode = ModeQueued
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// New returns a gateway in direct mode unless WithQueue is given
func New(st Store, subs Subscriptions, runner Runner, opts ...Option) *Gateway {
	g := &Gateway{
		store:  st,
		subs:   subs,
		runner: runner,
		mode:   ModeDirect,
		log:    logging.New("ingest"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) Mode() string { return g.mode }

// Ingest runs the gates in order: subscription, payload, event type filter, signature.
// Only a request that passes all of them creates a Delivery.
func (g *Gateway) Ingest(ctx context.Context, subscriptionID string, body []byte, eventType, signature string) (Receipt, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Ingest",
		attribute.String("subscription_id", subscriptionID),
		attribute.String("event_type", eventType),
	)
	defer span.End()
	log := g.log.WithContext(ctx).WithSubscription(subscriptionID)

	sub, err := g.subs.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, delivery.ErrSubscriptionNotFound) {
			metrics.RecordIngest("not_found")
		} else {
			metrics.RecordIngest("error")
			tracing.SetSpanError(ctx, err)
		}
		return Receipt{}, err
	}

	if err := validatePayload(body); err != nil {
		metrics.RecordIngest("invalid")
		return Receipt{}, err
	}

	if !sub.Accepts(eventType) {
		metrics.RecordIngest("filtered")
		tracing.AddSpanEvent(ctx, "ingest.filtered")
		log.WithField("event_type", eventType).Warn("subscription does not accept event type")
		return Receipt{Filtered: true}, nil
	}

	if sub.HasSecret() {
		if signature == "" {
			metrics.RecordIngest("unauthorized")
			return Receipt{}, &delivery.AuthenticationError{Reason: "missing signature header"}
		}
		if !signing.Verify(sub.Secret, body, signature) {
			metrics.RecordIngest("unauthorized")
			return Receipt{}, &delivery.AuthenticationError{Reason: "invalid signature"}
		}
	}

	now := g.now().UTC()
	d := delivery.Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		Payload:        bytes.Clone(body),
		EventType:      eventType,
		Status:         delivery.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := g.store.CreateDelivery(ctx, d); err != nil {
		metrics.RecordIngest("error")
		tracing.SetSpanError(ctx, err)
		return Receipt{}, fmt.Errorf("create delivery: %w", err)
	}
	span.SetAttributes(attribute.String("delivery_id", d.ID))
	metrics.RecordIngest("accepted")

	g.dispatch(ctx, d.ID)
	return Receipt{DeliveryID: d.ID}, nil
}

// dispatch never fails the request: the delivery is already committed and the rescuer
// picks up anything that did not get dispatched.
func (g *Gateway) dispatch(ctx context.Context, id string) {
	log := g.log.WithContext(ctx).WithDelivery(id)
	if g.mode == ModeQueued && g.queue != nil {
		err := g.queue.Enqueue(ctx, id, 0)
		if err == nil {
			tracing.AddSpanEvent(ctx, "ingest.enqueued")
			return
		}
		log.WithError(err).Warn("enqueue failed, processing delivery directly")
	}

	// the first attempt outlives a caller that hangs up
	res, err := g.runner.Run(context.WithoutCancel(ctx), id)
	if err != nil {
		log.WithError(err).Error("direct delivery failed")
		return
	}
	log.WithField("outcome", string(res.Outcome)).Info("direct delivery attempt completed")
}

// validatePayload requires a JSON value that is not null, {} or []
func validatePayload(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &delivery.ValidationError{Reason: "no payload provided"}
	}
	if !json.Valid(trimmed) {
		return &delivery.ValidationError{Reason: "payload is not valid JSON"}
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return &delivery.ValidationError{Reason: "payload is not valid JSON"}
	}
	switch t := v.(type) {
	case nil:
		return &delivery.ValidationError{Reason: "no payload provided"}
	case map[string]any:
		if len(t) == 0 {
			return &delivery.ValidationError{Reason: "no payload provided"}
		}
	case []any:
		if len(t) == 0 {
			return &delivery.ValidationError{Reason: "no payload provided"}
		}
	}
	return nil
}
