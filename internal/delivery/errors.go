package delivery

import "errors"

// ErrSubscriptionNotFound is returned when an event targets an unknown subscription
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ValidationError rejects an ingestion request before a Delivery is created
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + e.Reason
}

// AuthenticationError rejects an ingestion request whose signature is missing or wrong
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// IsValidation reports whether err is (or wraps) a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAuthentication reports whether err is (or wraps) an AuthenticationError
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
