// Package scheduler owns a delivery's lifecycle: it fences concurrent invocations,
// runs the next attempt and decides between success, another retry and exhaustion.
// Direct and queued dispatch both enter through Run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const (
	DefaultMaxAttempts = 5
	DefaultClaimLease  = 2 * time.Minute
)

// Store is the slice of persistence the scheduler drives
type Store interface {
	GetDelivery(ctx context.Context, id string) (delivery.Delivery, error)
	ClaimDelivery(ctx context.Context, id string, staleAfter time.Duration) (bool, error)
	ReleaseDelivery(ctx context.Context, id string, to delivery.Status) error
	ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time) error
	CompleteDelivery(ctx context.Context, id string, status delivery.Status) error
	CountAttempts(ctx context.Context, deliveryID string) (int, error)
	ListAttempts(ctx context.Context, deliveryID string) ([]delivery.Attempt, error)
	DueDeliveries(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// Subscriptions resolves the delivery's target. Unknown ids yield delivery.ErrSubscriptionNotFound.
type Subscriptions interface {
	GetSubscription(ctx context.Context, id string) (delivery.Subscription, error)
}

// Attempter performs and records one attempt
type Attempter interface {
	Execute(ctx context.Context, d delivery.Delivery, sub delivery.Subscription, attemptNumber int) (delivery.Attempt, error)
	RecordFailure(ctx context.Context, d delivery.Delivery, attemptNumber int, reason delivery.FailureReason, detail string) (delivery.Attempt, error)
}

// Enqueuer arranges for Run(id) to be invoked again after delay
type Enqueuer interface {
	Enqueue(ctx context.Context, deliveryID string, delay time.Duration) error
}

// DeadLetters receives an envelope for every delivery that ends FAILED
type DeadLetters interface {
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

type Config struct {
	MaxAttempts int
	RetryDelays []time.Duration
	ClaimLease  time.Duration
}

// Outcome summarizes what one Run did
type Outcome string

const (
	OutcomeDelivered      Outcome = "delivered"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkipped        Outcome = "skipped"
)

// Skip causes
const (
	SkipMissing   = "missing"
	SkipTerminal  = "terminal"
	SkipClaimed   = "claimed"
	SkipDuplicate = "duplicate"
)

type Result struct {
	Outcome       Outcome
	Attempt       *delivery.Attempt // nil when no attempt was recorded
	NextAttemptAt time.Time         // set for OutcomeRetryScheduled
	SkipCause     string
}

type Scheduler struct {
	store Store
	subs  Subscriptions
	exec  Attempter
	queue Enqueuer
	dlq   DeadLetters
	cfg   Config
	log   *logging.Logger
	now   func() time.Time
}

type Option func(*Scheduler)

func WithDeadLetters(d DeadLetters) Option {
	return func(s *Scheduler) { s.dlq = d }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func New(st Store, subs Subscriptions, exec Attempter, cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = delivery.DefaultBackoff
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	s := &Scheduler{
		store: st,
		subs:  subs,
		exec:  exec,
		cfg:   cfg,
		log:   logging.New("scheduler"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetEnqueuer wires the dispatcher that carries retries. It must be called before Run
// schedules a retry; dispatchers are usually built after the scheduler they feed.
func (s *Scheduler) SetEnqueuer(q Enqueuer) {
	s.queue = q
}

// Run advances delivery id by at most one attempt. Transport failures never surface as
// errors; a non-nil error means storage or queue infrastructure failed and the caller
// should retry the invocation later.
func (s *Scheduler) Run(ctx context.Context, id string) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.run", attribute.String("delivery.id", id))
	defer span.End()

	res, err := s.run(ctx, id)
	span.SetAttributes(attribute.String("scheduler.outcome", string(res.Outcome)))
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}
	return res, err
}

func (s *Scheduler) run(ctx context.Context, id string) (Result, error) {
	log := s.log.WithContext(ctx).WithDelivery(id)

	d, err := s.store.GetDelivery(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("delivery no longer exists, dropping task")
		return s.skip(SkipMissing), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load delivery %s: %w", id, err)
	}
	if d.Status.Terminal() {
		return s.skip(SkipTerminal), nil
	}

	claimed, err := s.store.ClaimDelivery(ctx, id, s.cfg.ClaimLease)
	if err != nil {
		return Result{}, fmt.Errorf("claim delivery %s: %w", id, err)
	}
	if !claimed {
		log.Debug("delivery is held by another invocation")
		return s.skip(SkipClaimed), nil
	}
	tracing.AddSpanEvent(ctx, "claimed")

	n, err := s.store.CountAttempts(ctx, id)
	if err != nil {
		s.release(ctx, d)
		return Result{}, fmt.Errorf("count attempts for %s: %w", id, err)
	}
	if n >= s.cfg.MaxAttempts {
		// budget already spent by an earlier invocation that died before finishing
		if err := s.store.CompleteDelivery(ctx, id, delivery.StatusFailed); err != nil {
			return Result{}, fmt.Errorf("fail exhausted delivery %s: %w", id, err)
		}
		metrics.RecordDelivery(string(delivery.StatusFailed))
		log.WithField("attempts", n).Warn("delivery exhausted its attempts")
		s.deadLetter(ctx, d, s.lastAttempt(ctx, d.ID, n))
		return Result{Outcome: OutcomeFailed}, nil
	}
	next := n + 1

	var attempt delivery.Attempt
	sub, err := s.subs.GetSubscription(ctx, d.SubscriptionID)
	switch {
	case errors.Is(err, delivery.ErrSubscriptionNotFound):
		attempt, err = s.exec.RecordFailure(ctx, d, next, delivery.ReasonUnexpectedError,
			"subscription "+d.SubscriptionID+" not found")
	case err != nil:
		s.release(ctx, d)
		return Result{}, fmt.Errorf("resolve subscription for %s: %w", id, err)
	default:
		attempt, err = s.exec.Execute(ctx, d, sub, next)
	}
	if errors.Is(err, store.ErrNotFound) {
		// purged by the sweeper while the attempt was in flight
		log.WithAttempt(next).Warn("delivery removed during attempt, dropping task")
		return s.skip(SkipMissing), nil
	}
	if errors.Is(err, store.ErrDuplicateAttempt) {
		log.WithAttempt(next).Info("attempt already recorded by a concurrent invocation")
		return s.skip(SkipDuplicate), nil
	}
	if err != nil {
		// the claim lapses after the lease and the delivery is picked up again
		return Result{}, fmt.Errorf("attempt %d of %s: %w", next, id, err)
	}

	return s.decide(ctx, d, attempt)
}

func (s *Scheduler) decide(ctx context.Context, d delivery.Delivery, a delivery.Attempt) (Result, error) {
	log := s.log.WithContext(ctx).WithDelivery(d.ID).WithAttempt(a.AttemptNumber)

	if a.Succeeded() {
		if err := s.store.CompleteDelivery(ctx, d.ID, delivery.StatusDelivered); err != nil {
			return Result{}, fmt.Errorf("mark %s delivered: %w", d.ID, err)
		}
		metrics.RecordDelivery(string(delivery.StatusDelivered))
		log.Info("delivery succeeded")
		return Result{Outcome: OutcomeDelivered, Attempt: &a}, nil
	}

	if a.AttemptNumber >= s.cfg.MaxAttempts {
		if err := s.store.CompleteDelivery(ctx, d.ID, delivery.StatusFailed); err != nil {
			return Result{}, fmt.Errorf("mark %s failed: %w", d.ID, err)
		}
		metrics.RecordDelivery(string(delivery.StatusFailed))
		log.WithField("reason", string(a.Reason)).Warn("delivery failed permanently")
		s.deadLetter(ctx, d, a)
		return Result{Outcome: OutcomeFailed, Attempt: &a}, nil
	}

	delay := delivery.Backoff(s.cfg.RetryDelays, a.AttemptNumber)
	nextAt := s.now().UTC().Add(delay)
	if err := s.store.ScheduleRetry(ctx, d.ID, nextAt); err != nil {
		return Result{}, fmt.Errorf("schedule retry for %s: %w", d.ID, err)
	}
	metrics.RecordRetry(string(a.Reason))

	res := Result{Outcome: OutcomeRetryScheduled, Attempt: &a, NextAttemptAt: nextAt}
	if s.queue == nil {
		log.Error("no enqueuer configured, retry left for the rescuer")
		return res, nil
	}
	if err := s.queue.Enqueue(ctx, d.ID, delay); err != nil {
		// the row is already retry_scheduled; RescueDue picks it up once it is overdue.
		// Reporting the error would make the caller redeliver the task early.
		log.WithError(err).Error("failed to enqueue retry")
		return res, nil
	}
	log.WithField("delay", delay.String()).WithField("reason", string(a.Reason)).Info("retry scheduled")
	return res, nil
}

func (s *Scheduler) deadLetter(ctx context.Context, d delivery.Delivery, last delivery.Attempt) {
	if s.dlq == nil {
		return
	}
	reason := string(last.Reason)
	if reason == "" {
		reason = "max_attempts_exceeded"
	}
	if err := s.dlq.PublishDeadLetter(ctx, delivery.NewDeadLetter(d, last, reason)); err != nil {
		s.log.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("failed to publish dead letter")
		return
	}
	metrics.RecordDLQ()
}

// lastAttempt returns the newest recorded attempt, or a bare one numbered n when the
// history cannot be read
func (s *Scheduler) lastAttempt(ctx context.Context, id string, n int) delivery.Attempt {
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil || len(attempts) == 0 {
		if err != nil {
			s.log.WithContext(ctx).WithDelivery(id).WithError(err).Warn("failed to load attempts for dead letter")
		}
		return delivery.Attempt{DeliveryID: id, AttemptNumber: n}
	}
	return attempts[len(attempts)-1]
}

// release hands the claim back after an infrastructure failure that happened before any attempt
func (s *Scheduler) release(ctx context.Context, d delivery.Delivery) {
	to := d.Status
	if to == delivery.StatusProcessing {
		to = delivery.StatusPending
	}
	if err := s.store.ReleaseDelivery(ctx, d.ID, to); err != nil {
		s.log.WithContext(ctx).WithDelivery(d.ID).WithError(err).Warn("failed to release claim")
	}
}

func (s *Scheduler) skip(cause string) Result {
	metrics.RecordSkip(cause)
	return Result{Outcome: OutcomeSkipped, SkipCause: cause}
}

// RescueDue re-enqueues deliveries that nobody is working on: lost tasks, crashed
// workers and retries whose timer did not survive a restart. It returns how many
// were handed to the enqueuer.
func (s *Scheduler) RescueDue(ctx context.Context, limit int) (int, error) {
	if s.queue == nil {
		return 0, errors.New("scheduler: no enqueuer configured")
	}
	ids, err := s.store.DueDeliveries(ctx, s.now().UTC().Add(-s.cfg.ClaimLease), limit)
	if err != nil {
		return 0, fmt.Errorf("list due deliveries: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id, 0); err != nil {
			return n, fmt.Errorf("enqueue %s: %w", id, err)
		}
		n++
	}
	if n > 0 {
		s.log.WithContext(ctx).WithField("count", n).Info("rescued stalled deliveries")
	}
	return n, nil
}

// RunRescuer calls RescueDue every interval until ctx is done
func (s *Scheduler) RunRescuer(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RescueDue(ctx, limit); err != nil {
				s.log.WithContext(ctx).WithError(err).Warn("rescue pass failed")
			}
		}
	}
}
