package delivery

import (
	"slices"
	"time"
)

// Status is the persisted state of a Delivery
type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusDelivered      Status = "delivered"
	StatusFailed         Status = "failed"
)

// Terminal reports whether no further attempts will be made
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Coarse collapses the persisted state into the four externally visible statuses.
// A delivery waiting on its backoff timer is reported as processing.
func (s Status) Coarse() Status {
	if s == StatusRetryScheduled {
		return StatusProcessing
	}
	return s
}

// Outcome is the result of a single Attempt
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// FailureReason tags why an Attempt failed
type FailureReason string

const (
	ReasonNone            FailureReason = ""
	ReasonHTTPError       FailureReason = "http_error"
	ReasonTimeout         FailureReason = "timeout"
	ReasonConnectionError FailureReason = "connection_error"
	ReasonUnexpectedError FailureReason = "unexpected_error"
)

const (
	SubscriptionActive   = "active"
	SubscriptionInactive = "inactive"
)

// Subscription is the registry's view of a subscriber endpoint. The engine only reads it.
type Subscription struct {
	ID         string    `json:"id"`
	TargetURL  string    `json:"target_url"`
	Secret     string    `json:"secret,omitempty"`
	EventTypes []string  `json:"event_types,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasSecret reports whether payloads for this subscription are signed
func (s Subscription) HasSecret() bool {
	return s.Secret != ""
}

// Accepts reports whether an event type passes the subscription's filter.
// Only active subscriptions with a non-empty allow-list filter, and only when
// the caller supplied an event type.
func (s Subscription) Accepts(eventType string) bool {
	if s.Status != SubscriptionActive || len(s.EventTypes) == 0 || eventType == "" {
		return true
	}
	return slices.Contains(s.EventTypes, eventType)
}

// Delivery is one event bound for one subscriber
type Delivery struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	Payload        []byte     `json:"-"`
	EventType      string     `json:"event_type,omitempty"`
	Status         Status     `json:"status"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Attempt is one outbound HTTP call and its recorded outcome
type Attempt struct {
	ID            string        `json:"id"`
	DeliveryID    string        `json:"delivery_id"`
	AttemptNumber int           `json:"attempt_number"`
	Outcome       Outcome       `json:"outcome"`
	Reason        FailureReason `json:"reason,omitempty"`
	StatusCode    int           `json:"status_code,omitempty"`
	ErrorDetail   string        `json:"error_detail,omitempty"`
	ResponseBody  string        `json:"response_body,omitempty"`
	DurationMS    int64         `json:"duration_ms"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Succeeded reports whether the attempt got a 2xx response
func (a Attempt) Succeeded() bool {
	return a.Outcome == OutcomeSuccess
}
