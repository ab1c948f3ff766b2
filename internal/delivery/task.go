package delivery

// Task is the queue message asking a worker to run the next attempt of a delivery.
// It carries only the id; everything else is re-read from storage on receipt.
type Task struct {
	DeliveryID   string            `json:"delivery_id"`
	EnqueuedAt   string            `json:"enqueued_at"`             // RFC3339
	DelayMS      int64             `json:"delay_ms,omitempty"`      // requested deferral
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}
