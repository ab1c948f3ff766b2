// Package postgres implements store.Store on PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

//go:embed schema.sql
var Schema string

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Pool is the part of *pgxpool.Pool the store uses
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type Store struct {
	pool Pool
}

func New(pool Pool) *Store {
	return &Store{pool: pool}
}

var _ Pool = (*pgxpool.Pool)(nil)

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() { s.pool.Close() }

func (s *Store) GetSubscription(ctx context.Context, id string) (delivery.Subscription, error) {
	var (
		sub    delivery.Subscription
		secret *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, target_url, secret, event_types, status, created_at, updated_at
		FROM harborrelay.subscriptions WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.TargetURL, &secret, &sub.EventTypes, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Subscription{}, store.ErrNotFound
	}
	if err != nil {
		return delivery.Subscription{}, fmt.Errorf("select subscription: %w", err)
	}
	if secret != nil {
		sub.Secret = *secret
	}
	return sub, nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub delivery.Subscription) error {
	if sub.Status == "" {
		sub.Status = delivery.SubscriptionActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO harborrelay.subscriptions(id, target_url, secret, event_types, status)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			target_url = EXCLUDED.target_url,
			secret = EXCLUDED.secret,
			event_types = EXCLUDED.event_types,
			status = EXCLUDED.status,
			updated_at = now()`,
		sub.ID, sub.TargetURL, sub.Secret, sub.EventTypes, sub.Status,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *Store) CreateDelivery(ctx context.Context, d delivery.Delivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = delivery.StatusPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO harborrelay.deliveries(id, subscription_id, payload, event_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $6)`,
		d.ID, d.SubscriptionID, d.Payload, d.EventType, string(d.Status), d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

const deliveryColumns = `id, subscription_id, payload, COALESCE(event_type, ''), status,
	next_attempt_at, created_at, updated_at, completed_at`

func scanDelivery(row pgx.Row) (delivery.Delivery, error) {
	var (
		d      delivery.Delivery
		status string
	)
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.Payload, &d.EventType, &status,
		&d.NextAttemptAt, &d.CreatedAt, &d.UpdatedAt, &d.CompletedAt)
	d.Status = delivery.Status(status)
	return d, err
}

func (s *Store) GetDelivery(ctx context.Context, id string) (delivery.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM harborrelay.deliveries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Delivery{}, store.ErrNotFound
	}
	if err != nil {
		return delivery.Delivery{}, fmt.Errorf("select delivery: %w", err)
	}
	return d, nil
}

func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]delivery.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM harborrelay.deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ClaimDelivery(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE harborrelay.deliveries
		SET status = 'processing', next_attempt_at = NULL, updated_at = $2
		WHERE id = $1
		  AND (status = 'pending'
		       OR (status = 'retry_scheduled' AND (next_attempt_at IS NULL OR next_attempt_at <= $2))
		       OR (status = 'processing' AND updated_at < $3))`,
		id, now, now.Add(-staleAfter),
	)
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseDelivery puts a claimed delivery back. A released retry is due again at once,
// since its next_attempt_at was cleared by the claim.
func (s *Store) ReleaseDelivery(ctx context.Context, id string, to delivery.Status) error {
	return s.transition(ctx, `
		UPDATE harborrelay.deliveries
		SET status = $2,
		    next_attempt_at = CASE WHEN $2 = 'retry_scheduled' THEN now() END,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, string(to))
}

func (s *Store) ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time) error {
	return s.transition(ctx, `
		UPDATE harborrelay.deliveries
		SET status = 'retry_scheduled', next_attempt_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, nextAttemptAt)
}

func (s *Store) CompleteDelivery(ctx context.Context, id string, status delivery.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("complete delivery: %q is not terminal", status)
	}
	return s.transition(ctx, `
		UPDATE harborrelay.deliveries
		SET status = $2, next_attempt_at = NULL, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, string(status))
}

func (s *Store) transition(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

func (s *Store) DueDeliveries(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM harborrelay.deliveries
		WHERE (status IN ('pending', 'processing') AND updated_at < $1)
		   OR (status = 'retry_scheduled' AND (next_attempt_at IS NULL OR next_attempt_at < $1))
		ORDER BY updated_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("select due deliveries: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("select due deliveries: %w", err)
	}
	return ids, nil
}

func (s *Store) CountAttempts(ctx context.Context, deliveryID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM harborrelay.attempts WHERE delivery_id = $1`, deliveryID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

func (s *Store) InsertAttempt(ctx context.Context, a delivery.Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var statusCode *int
	if a.StatusCode != 0 {
		statusCode = &a.StatusCode
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO harborrelay.attempts(id, delivery_id, attempt_number, outcome, reason, status_code,
		                                 error_detail, response_body, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)`,
		a.ID, a.DeliveryID, a.AttemptNumber, string(a.Outcome), string(a.Reason), statusCode,
		a.ErrorDetail, a.ResponseBody, a.DurationMS, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateAttempt
		}
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, deliveryID string) ([]delivery.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, delivery_id, attempt_number, outcome, COALESCE(reason, ''), COALESCE(status_code, 0),
		       COALESCE(error_detail, ''), COALESCE(response_body, ''), duration_ms, created_at
		FROM harborrelay.attempts
		WHERE delivery_id = $1
		ORDER BY attempt_number ASC`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []delivery.Attempt
	for rows.Next() {
		var (
			a       delivery.Attempt
			outcome string
			reason  string
		)
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.AttemptNumber, &outcome, &reason, &a.StatusCode,
			&a.ErrorDetail, &a.ResponseBody, &a.DurationMS, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Outcome = delivery.Outcome(outcome)
		a.Reason = delivery.FailureReason(reason)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeBatch locks the expired rows with SKIP LOCKED so concurrent sweepers split the work
func (s *Store) PurgeBatch(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT id FROM harborrelay.deliveries
		WHERE created_at < $1
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("select expired deliveries: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("select expired deliveries: %w", err)
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM harborrelay.attempts WHERE delivery_id = ANY($1)`, ids); err != nil {
			return 0, fmt.Errorf("delete attempts: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM harborrelay.deliveries WHERE id = ANY($1)`, ids); err != nil {
			return 0, fmt.Errorf("delete deliveries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return len(ids), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}

var _ store.Store = (*Store)(nil)
