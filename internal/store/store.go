// Package store defines the persistence contract of the delivery engine. Postgres is the
// production backend; SQLite serves single-node deployments and tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

var (
	// ErrNotFound is returned when a delivery or subscription does not exist
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateAttempt is returned when (delivery_id, attempt_number) already exists.
	// The writer that receives it lost a race and must treat its attempt as a no-op.
	ErrDuplicateAttempt = errors.New("store: duplicate attempt number")
	// ErrNotClaimed is returned when a transition out of processing finds the
	// delivery in some other state
	ErrNotClaimed = errors.New("store: delivery is not in processing")
)

// Subscriptions is the read side of the subscription registry
type Subscriptions interface {
	GetSubscription(ctx context.Context, id string) (delivery.Subscription, error)
}

// Deliveries holds delivery and attempt state
type Deliveries interface {
	CreateDelivery(ctx context.Context, d delivery.Delivery) error
	GetDelivery(ctx context.Context, id string) (delivery.Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]delivery.Delivery, error)

	// ClaimDelivery atomically moves a delivery from pending, or from retry_scheduled once
	// next_attempt_at has passed, into processing. A processing row whose updated_at is
	// older than staleAfter is also reclaimed. It reports false when the delivery is held
	// by another invocation or its retry is not yet due.
	ClaimDelivery(ctx context.Context, id string, staleAfter time.Duration) (bool, error)
	// ReleaseDelivery hands a claimed delivery back without recording an attempt
	ReleaseDelivery(ctx context.Context, id string, to delivery.Status) error
	// ScheduleRetry moves a processing delivery to retry_scheduled
	ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time) error
	// CompleteDelivery moves a processing delivery to a terminal status and sets completed_at
	CompleteDelivery(ctx context.Context, id string, status delivery.Status) error

	CountAttempts(ctx context.Context, deliveryID string) (int, error)
	InsertAttempt(ctx context.Context, a delivery.Attempt) error
	ListAttempts(ctx context.Context, deliveryID string) ([]delivery.Attempt, error)

	// DueDeliveries returns ids of non-terminal deliveries that nobody is working on:
	// pending or processing rows untouched since before, and retries due before that time.
	DueDeliveries(ctx context.Context, before time.Time, limit int) ([]string, error)

	// PurgeBatch deletes up to limit deliveries created before cutoff, with their
	// attempts, in one transaction. It returns the number of deliveries removed.
	PurgeBatch(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Store is everything the engine needs from persistence
type Store interface {
	Subscriptions
	Deliveries

	SaveSubscription(ctx context.Context, s delivery.Subscription) error
	Ping(ctx context.Context) error
	Close()
}
