// Package sqlite implements store.Store on SQLite for single-node deployments and tests.
// Timestamps are stored as UTC unix nanoseconds so range predicates compare as integers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id          TEXT PRIMARY KEY,
	target_url  TEXT NOT NULL,
	secret      TEXT,
	event_types TEXT,
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS deliveries (
	id              TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	payload         BLOB NOT NULL,
	event_type      TEXT,
	status          TEXT NOT NULL DEFAULT 'pending',
	next_attempt_at INTEGER,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	completed_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_deliveries_created_at ON deliveries(created_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_subscription ON deliveries(subscription_id, created_at);
CREATE TABLE IF NOT EXISTS attempts (
	id             TEXT PRIMARY KEY,
	delivery_id    TEXT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
	attempt_number INTEGER NOT NULL,
	outcome        TEXT NOT NULL,
	reason         TEXT,
	status_code    INTEGER,
	error_detail   TEXT,
	response_body  TEXT,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	UNIQUE (delivery_id, attempt_number)
);`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// SQLite has a single writer; one connection avoids SQLITE_BUSY between our own goroutines
	db.SetMaxOpenConns(1)
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// dsn turns on foreign key enforcement so attempts cannot outlive their delivery
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)"
}

// New wraps an existing handle without touching the schema
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() { _ = s.db.Close() }

// --- subscriptions ---

func (s *Store) GetSubscription(ctx context.Context, id string) (delivery.Subscription, error) {
	var (
		sub        delivery.Subscription
		secret     sql.NullString
		eventTypes sql.NullString
		created    int64
		updated    int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, target_url, secret, event_types, status, created_at, updated_at
		FROM subscriptions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.TargetURL, &secret, &eventTypes, &sub.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Subscription{}, store.ErrNotFound
	}
	if err != nil {
		return delivery.Subscription{}, fmt.Errorf("select subscription: %w", err)
	}
	sub.Secret = secret.String
	if eventTypes.Valid && eventTypes.String != "" {
		if err := json.Unmarshal([]byte(eventTypes.String), &sub.EventTypes); err != nil {
			return delivery.Subscription{}, fmt.Errorf("decode event_types: %w", err)
		}
	}
	sub.CreatedAt = fromNanos(created)
	sub.UpdatedAt = fromNanos(updated)
	return sub, nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub delivery.Subscription) error {
	var eventTypes any
	if len(sub.EventTypes) > 0 {
		b, err := json.Marshal(sub.EventTypes)
		if err != nil {
			return err
		}
		eventTypes = string(b)
	}
	if sub.Status == "" {
		sub.Status = delivery.SubscriptionActive
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions(id, target_url, secret, event_types, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			target_url = excluded.target_url,
			secret = excluded.secret,
			event_types = excluded.event_types,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		sub.ID, sub.TargetURL, nullString(sub.Secret), eventTypes, sub.Status, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// --- deliveries ---

func (s *Store) CreateDelivery(ctx context.Context, d delivery.Delivery) error {
	now := s.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.Status == "" {
		d.Status = delivery.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries(id, subscription_id, payload, event_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SubscriptionID, d.Payload, nullString(d.EventType), string(d.Status),
		d.CreatedAt.UTC().UnixNano(), d.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

const deliveryColumns = `id, subscription_id, payload, event_type, status, next_attempt_at, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (delivery.Delivery, error) {
	var (
		d         delivery.Delivery
		status    string
		eventType sql.NullString
		next      sql.NullInt64
		created   int64
		updated   int64
		completed sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.SubscriptionID, &d.Payload, &eventType, &status, &next, &created, &updated, &completed); err != nil {
		return delivery.Delivery{}, err
	}
	d.EventType = eventType.String
	d.Status = delivery.Status(status)
	d.NextAttemptAt = nullTime(next)
	d.CreatedAt = fromNanos(created)
	d.UpdatedAt = fromNanos(updated)
	d.CompletedAt = nullTime(completed)
	return d, nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (delivery.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Delivery{}, store.ErrNotFound
	}
	if err != nil {
		return delivery.Delivery{}, fmt.Errorf("select delivery: %w", err)
	}
	return d, nil
}

func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]delivery.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE subscription_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, subscriptionID, limit)
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
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = 'processing', next_attempt_at = NULL, updated_at = ?
		WHERE id = ?
		  AND (status = 'pending'
		       OR (status = 'retry_scheduled' AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
		       OR (status = 'processing' AND updated_at < ?))`,
		now.UnixNano(), id, now.UnixNano(), now.Add(-staleAfter).UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseDelivery puts a claimed delivery back. A released retry is due again at once,
// since its next_attempt_at was cleared by the claim.
func (s *Store) ReleaseDelivery(ctx context.Context, id string, to delivery.Status) error {
	now := s.now().UnixNano()
	var nextAt any
	if to == delivery.StatusRetryScheduled {
		nextAt = now
	}
	return s.transition(ctx, id, `status = ?, next_attempt_at = ?, updated_at = ?`, string(to), nextAt, now)
}

func (s *Store) ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time) error {
	return s.transition(ctx, id, `status = 'retry_scheduled', next_attempt_at = ?, updated_at = ?`,
		nextAttemptAt.UTC().UnixNano(), s.now().UnixNano())
}

func (s *Store) CompleteDelivery(ctx context.Context, id string, status delivery.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("complete delivery: %q is not terminal", status)
	}
	now := s.now().UnixNano()
	return s.transition(ctx, id, `status = ?, next_attempt_at = NULL, completed_at = ?, updated_at = ?`,
		string(status), now, now)
}

// transition applies set to a delivery that is still in processing
func (s *Store) transition(ctx context.Context, id, set string, args ...any) error {
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET `+set+` WHERE id = ? AND status = 'processing'`, args...)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

func (s *Store) DueDeliveries(ctx context.Context, before time.Time, limit int) ([]string, error) {
	cutoff := before.UTC().UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM deliveries
		WHERE (status IN ('pending', 'processing') AND updated_at < ?)
		   OR (status = 'retry_scheduled' AND (next_attempt_at IS NULL OR next_attempt_at < ?))
		ORDER BY updated_at
		LIMIT ?`, cutoff, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select due deliveries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- attempts ---

func (s *Store) CountAttempts(ctx context.Context, deliveryID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE delivery_id = ?`, deliveryID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

func (s *Store) InsertAttempt(ctx context.Context, a delivery.Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	var statusCode any
	if a.StatusCode != 0 {
		statusCode = a.StatusCode
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts(id, delivery_id, attempt_number, outcome, reason, status_code,
		                     error_detail, response_body, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeliveryID, a.AttemptNumber, string(a.Outcome), nullString(string(a.Reason)), statusCode,
		nullString(a.ErrorDetail), nullString(a.ResponseBody), a.DurationMS, a.CreatedAt.UTC().UnixNano(),
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, delivery_id, attempt_number, outcome, reason, status_code,
		       error_detail, response_body, duration_ms, created_at
		FROM attempts
		WHERE delivery_id = ?
		ORDER BY attempt_number ASC`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []delivery.Attempt
	for rows.Next() {
		var (
			a          delivery.Attempt
			outcome    string
			reason     sql.NullString
			statusCode sql.NullInt64
			detail     sql.NullString
			body       sql.NullString
			created    int64
		)
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.AttemptNumber, &outcome, &reason, &statusCode,
			&detail, &body, &a.DurationMS, &created); err != nil {
			return nil, err
		}
		a.Outcome = delivery.Outcome(outcome)
		a.Reason = delivery.FailureReason(reason.String)
		a.StatusCode = int(statusCode.Int64)
		a.ErrorDetail = detail.String
		a.ResponseBody = body.String
		a.CreatedAt = fromNanos(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- retention ---

func (s *Store) PurgeBatch(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM deliveries
		WHERE created_at < ?
		ORDER BY created_at
		LIMIT ?`, cutoff.UTC().UnixNano(), limit)
	if err != nil {
		return 0, fmt.Errorf("select expired deliveries: %w", err)
	}
	var ids []any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(ids) > 0 {
		in := placeholders(len(ids))
		if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE delivery_id IN (`+in+`)`, ids...); err != nil {
			return 0, fmt.Errorf("delete attempts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE id IN (`+in+`)`, ids...); err != nil {
			return 0, fmt.Errorf("delete deliveries: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	committed = true
	return len(ids), nil
}

// --- helpers ---

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "constraint failed: unique")
}

func isForeignKeyViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

var _ store.Store = (*Store)(nil)
