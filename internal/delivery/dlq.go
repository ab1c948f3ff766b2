package delivery

import "time"

const DLQType = "delivery.dlq"

// DeadLetter is published when a delivery exhausts its attempts
type DeadLetter struct {
	Type           string `json:"type"`    // "delivery.dlq"
	Version        string `json:"version"` // schema version
	At             string `json:"at"`      // RFC3339 time the delivery failed
	Reason         string `json:"reason"`  // human/debug text
	DeliveryID     string `json:"delivery_id"`
	SubscriptionID string `json:"subscription_id"`
	EventType      string `json:"event_type,omitempty"`
	Attempts       int    `json:"attempts"`
	LastStatusCode int    `json:"last_status_code,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// NewDeadLetter builds the envelope for a delivery that ended in failed
func NewDeadLetter(d Delivery, last Attempt, reason string) DeadLetter {
	return DeadLetter{
		Type:           DLQType,
		Version:        "v1",
		At:             time.Now().UTC().Format(time.RFC3339Nano),
		Reason:         reason,
		DeliveryID:     d.ID,
		SubscriptionID: d.SubscriptionID,
		EventType:      d.EventType,
		Attempts:       last.AttemptNumber,
		LastStatusCode: last.StatusCode,
		LastError:      last.ErrorDetail,
	}
}
