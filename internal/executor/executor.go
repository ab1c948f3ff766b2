// Package executor performs one signed outbound delivery attempt and records its outcome.
package executor

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "Harbor-Relay/1.0"

	// MaxResponseBody is how much of the receiver's reply is kept on the Attempt
	MaxResponseBody = 1000
	TruncatedMarker = "... [truncated]"

	HeaderWebhookID = "X-Webhook-ID"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderEventType = "X-Event-Type"
	HeaderTraceID   = "X-Trace-Id"
)

// Recorder persists attempts. It returns store.ErrDuplicateAttempt when the
// (delivery, attempt number) pair already exists.
type Recorder interface {
	InsertAttempt(ctx context.Context, a delivery.Attempt) error
}

type Config struct {
	Timeout   time.Duration
	UserAgent string
}

type Executor struct {
	client    *http.Client
	rec       Recorder
	timeout   time.Duration
	userAgent string
	log       *logging.Logger
}

type Option func(*Executor)

// WithHTTPClient replaces the transport. The per-attempt timeout is still applied via context.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.log = l }
}

func New(rec Recorder, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		client:    &http.Client{},
		rec:       rec,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		log:       logging.New("executor"),
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.userAgent == "" {
		e.userAgent = DefaultUserAgent
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute POSTs the delivery payload to the subscription and records exactly one Attempt.
// Transport failures are reported on the returned Attempt, never as an error; the error
// is reserved for persistence failures and for cancellation of ctx by the caller.
func (e *Executor) Execute(ctx context.Context, d delivery.Delivery, sub delivery.Subscription, attemptNumber int) (delivery.Attempt, error) {
	ctx, span := tracing.StartSpan(ctx, "executor.attempt",
		attribute.String("delivery.id", d.ID),
		attribute.String("subscription.id", sub.ID),
		attribute.Int("attempt", attemptNumber),
	)
	defer span.End()

	a := delivery.Attempt{
		ID:            uuid.NewString(),
		DeliveryID:    d.ID,
		AttemptNumber: attemptNumber,
	}

	start := time.Now()
	status, body, err := e.send(ctx, d, sub, attemptNumber)
	elapsed := time.Since(start)
	a.DurationMS = elapsed.Milliseconds()

	if err != nil && ctx.Err() != nil {
		// the caller gave up (shutdown); leave the claim to expire instead of blaming the receiver
		return delivery.Attempt{}, ctx.Err()
	}

	switch {
	case err != nil:
		a.Outcome = delivery.OutcomeFailure
		a.Reason = Classify(err)
		a.ErrorDetail = sanitize(err.Error())
	case status >= 200 && status < 300:
		a.Outcome = delivery.OutcomeSuccess
		a.StatusCode = status
		a.ResponseBody = body
	default:
		a.Outcome = delivery.OutcomeFailure
		a.Reason = delivery.ReasonHTTPError
		a.StatusCode = status
		a.ResponseBody = body
		a.ErrorDetail = "HTTP " + strconv.Itoa(status)
	}

	span.SetAttributes(
		attribute.String("outcome", string(a.Outcome)),
		attribute.String("failure_reason", string(a.Reason)),
		attribute.Int("http.status_code", a.StatusCode),
		attribute.Int64("http.latency_ms", a.DurationMS),
	)
	metrics.RecordAttempt(string(a.Outcome), string(a.Reason), elapsed)

	if err := e.rec.InsertAttempt(ctx, a); err != nil {
		tracing.SetSpanError(ctx, err)
		return a, err
	}

	entry := e.log.WithContext(ctx).
		WithDelivery(d.ID).
		WithSubscription(sub.ID).
		WithAttempt(attemptNumber).
		WithField("duration_ms", a.DurationMS)
	if a.Succeeded() {
		entry.WithField("status_code", a.StatusCode).Info("delivery attempt succeeded")
	} else {
		entry.WithField("reason", string(a.Reason)).
			WithField("status_code", a.StatusCode).
			WithField("error", a.ErrorDetail).
			Warn("delivery attempt failed")
	}
	return a, nil
}

// RecordFailure stores a failed attempt that never reached the network
func (e *Executor) RecordFailure(ctx context.Context, d delivery.Delivery, attemptNumber int, reason delivery.FailureReason, detail string) (delivery.Attempt, error) {
	a := delivery.Attempt{
		ID:            uuid.NewString(),
		DeliveryID:    d.ID,
		AttemptNumber: attemptNumber,
		Outcome:       delivery.OutcomeFailure,
		Reason:        reason,
		ErrorDetail:   sanitize(detail),
	}
	metrics.RecordAttempt(string(a.Outcome), string(a.Reason), 0)
	if err := e.rec.InsertAttempt(ctx, a); err != nil {
		return a, err
	}
	e.log.WithContext(ctx).WithDelivery(d.ID).WithAttempt(attemptNumber).
		WithField("reason", string(reason)).Warn(detail)
	return a, nil
}

func (e *Executor) send(ctx context.Context, d delivery.Delivery, sub delivery.Subscription, attemptNumber int) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set(HeaderWebhookID, d.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attemptNumber))
	if d.EventType != "" {
		req.Header.Set(HeaderEventType, d.EventType)
	}
	if sub.HasSecret() {
		req.Header.Set(signing.Header, signing.HeaderValue(sub.Secret, d.Payload))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set(HeaderTraceID, traceID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	// the status line decides the outcome; a body that breaks off keeps what arrived
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody+1))
	// drain a little more so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, truncate(raw), nil
}

// Classify maps a transport error onto a FailureReason
func Classify(err error) delivery.FailureReason {
	if err == nil {
		return delivery.ReasonNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return delivery.ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return delivery.ReasonTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return delivery.ReasonConnectionError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return delivery.ReasonConnectionError
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return delivery.ReasonConnectionError
	}
	if isTLSError(err) {
		return delivery.ReasonConnectionError
	}
	return delivery.ReasonUnexpectedError
}

// isTLSError reports handshake and certificate failures
func isTLSError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) || errors.As(err, &recordErr) || errors.As(err, &alertErr) ||
		errors.As(err, &unknownAuth) || errors.As(err, &hostnameErr) || errors.As(err, &invalidErr)
}

func truncate(raw []byte) string {
	if len(raw) > MaxResponseBody {
		return sanitize(string(raw[:MaxResponseBody])) + TruncatedMarker
	}
	return sanitize(string(raw))
}

// sanitize makes receiver-controlled text safe to store in a text column
func sanitize(s string) string {
	s = strings.ToValidUTF8(s, "�")
	return strings.ReplaceAll(s, "\x00", "")
}
