// Package queue carries "run delivery X after delay" tasks, either through NSQ or
// through an in-process dispatcher for single-node deployments.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Enqueue after the dispatcher stopped
var ErrClosed = errors.New("queue: dispatcher is closed")

// RunFunc executes one scheduler invocation for a delivery. A non-nil error means the
// invocation should be retried later.
type RunFunc func(ctx context.Context, deliveryID string) error

// Enqueuer arranges for a delivery to be run after delay
type Enqueuer interface {
	Enqueue(ctx context.Context, deliveryID string, delay time.Duration) error
}

// DefaultRequeueDelay is how long a task waits after an infrastructure failure
const DefaultRequeueDelay = 5 * time.Second
