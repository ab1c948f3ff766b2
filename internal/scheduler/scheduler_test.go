package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/executor"
	"github.com/austindbirch/harbor_relay/internal/registry"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/store/sqlite"
)

type queued struct {
	id    string
	delay time.Duration
}

type captureQueue struct {
	mu    sync.Mutex
	tasks []queued
	err   error
}

func (q *captureQueue) Enqueue(ctx context.Context, id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, queued{id, delay})
	return nil
}

type captureDLQ struct {
	letters []delivery.DeadLetter
}

func (d *captureDLQ) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	d.letters = append(d.letters, dl)
	return nil
}

type harness struct {
	store *sqlite.Store
	sched *Scheduler
	queue *captureQueue
	dlq   *captureDLQ
	hits  *atomic.Int32
}

func newHarness(t *testing.T, handler http.HandlerFunc, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()

	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)

	if err := st.SaveSubscription(ctx, delivery.Subscription{ID: "sub-1", TargetURL: srv.URL, Secret: "s3cr3t"}); err != nil {
		t.Fatal(err)
	}

	h := &harness{store: st, queue: &captureQueue{}, dlq: &captureDLQ{}, hits: hits}
	exec := executor.New(st, executor.Config{Timeout: time.Second})
	h.sched = New(st, registry.New(st, time.Minute), exec, cfg, WithDeadLetters(h.dlq))
	h.sched.SetEnqueuer(h.queue)
	return h
}

func (h *harness) create(t *testing.T, id, subID string) {
	t.Helper()
	err := h.store.CreateDelivery(context.Background(), delivery.Delivery{
		ID: id, SubscriptionID: subID, Payload: []byte(`{"a":1}`),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) delivery(t *testing.T, id string) delivery.Delivery {
	t.Helper()
	d, err := h.store.GetDelivery(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) }
}

func TestRunDeliversOnFirstAttempt(t *testing.T) {
	h := newHarness(t, status(http.StatusOK), Config{})
	h.create(t, "d-1", "sub-1")

	res, err := h.sched.Run(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeDelivered || res.Attempt == nil || res.Attempt.AttemptNumber != 1 {
		t.Errorf("Run() = %+v, want delivered on attempt 1", res)
	}

	d := h.delivery(t, "d-1")
	if d.Status != delivery.StatusDelivered || d.CompletedAt == nil {
		t.Errorf("delivery = %s completed_at=%v, want delivered with completed_at", d.Status, d.CompletedAt)
	}
	if len(h.queue.tasks) != 0 {
		t.Errorf("enqueued %d tasks, want 0", len(h.queue.tasks))
	}

	res, err = h.sched.Run(context.Background(), "d-1")
	if err != nil || res.Outcome != OutcomeSkipped || res.SkipCause != SkipTerminal {
		t.Errorf("second Run() = %+v, %v; want skipped terminal", res, err)
	}
	if h.hits.Load() != 1 {
		t.Errorf("receiver hits = %d, want 1", h.hits.Load())
	}
}

func TestRunRetriesThenFails(t *testing.T) {
	h := newHarness(t, status(http.StatusInternalServerError), Config{
		MaxAttempts: 3,
		RetryDelays: []time.Duration{time.Millisecond, 2 * time.Millisecond},
	})
	h.create(t, "d-1", "sub-1")
	ctx := context.Background()

	wantDelays := []time.Duration{time.Millisecond, 2 * time.Millisecond}
	for i, want := range wantDelays {
		res, err := h.sched.Run(ctx, "d-1")
		if err != nil {
			t.Fatalf("Run() #%d error = %v", i+1, err)
		}
		if res.Outcome != OutcomeRetryScheduled {
			t.Fatalf("Run() #%d outcome = %s, want retry_scheduled", i+1, res.Outcome)
		}
		if got := h.delivery(t, "d-1"); got.Status != delivery.StatusRetryScheduled || got.NextAttemptAt == nil {
			t.Errorf("status = %s next=%v, want retry_scheduled with next_attempt_at", got.Status, got.NextAttemptAt)
		}
		if last := h.queue.tasks[len(h.queue.tasks)-1]; last.delay != want {
			t.Errorf("enqueue delay #%d = %v, want %v", i+1, last.delay, want)
		}
		time.Sleep(5 * time.Millisecond)
	}

	res, err := h.sched.Run(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("final outcome = %s, want failed", res.Outcome)
	}
	if d := h.delivery(t, "d-1"); d.Status != delivery.StatusFailed || d.CompletedAt == nil {
		t.Errorf("delivery = %s, want failed with completed_at", d.Status)
	}

	attempts, err := h.store.ListAttempts(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.AttemptNumber != i+1 || a.StatusCode != 500 || a.Reason != delivery.ReasonHTTPError {
			t.Errorf("attempt %d = %+v", i, a)
		}
	}
	if len(h.dlq.letters) != 1 || h.dlq.letters[0].Attempts != 3 {
		t.Errorf("dead letters = %+v, want one with 3 attempts", h.dlq.letters)
	}
}

func TestRunRespectsRetryTime(t *testing.T) {
	h := newHarness(t, status(http.StatusBadGateway), Config{RetryDelays: []time.Duration{time.Hour}})
	h.create(t, "d-1", "sub-1")

	if _, err := h.sched.Run(context.Background(), "d-1"); err != nil {
		t.Fatal(err)
	}
	res, err := h.sched.Run(context.Background(), "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Errorf("early Run() outcome = %s, want skipped", res.Outcome)
	}
	if h.hits.Load() != 1 {
		t.Errorf("receiver hits = %d, want 1", h.hits.Load())
	}
}

func TestRunMissingDelivery(t *testing.T) {
	h := newHarness(t, status(http.StatusOK), Config{})
	res, err := h.sched.Run(context.Background(), "nope")
	if err != nil || res.SkipCause != SkipMissing {
		t.Errorf("Run() = %+v, %v; want skipped missing", res, err)
	}
}

func TestRunAlreadyClaimed(t *testing.T) {
	h := newHarness(t, status(http.StatusOK), Config{})
	h.create(t, "d-1", "sub-1")

	ok, err := h.store.ClaimDelivery(context.Background(), "d-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("ClaimDelivery() = %v, %v", ok, err)
	}

	res, err := h.sched.Run(context.Background(), "d-1")
	if err != nil || res.SkipCause != SkipClaimed {
		t.Errorf("Run() = %+v, %v; want skipped claimed", res, err)
	}
	if h.hits.Load() != 0 {
		t.Error("receiver should not be called")
	}
}

func TestRunUnknownSubscription(t *testing.T) {
	h := newHarness(t, status(http.StatusOK), Config{MaxAttempts: 2})
	h.create(t, "d-1", "sub-gone")

	res, err := h.sched.Run(context.Background(), "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRetryScheduled || res.Attempt.Reason != delivery.ReasonUnexpectedError {
		t.Errorf("Run() = %+v, want retry after unexpected_error", res)
	}
}

type brokenSubs struct{}

func (brokenSubs) GetSubscription(ctx context.Context, id string) (delivery.Subscription, error) {
	return delivery.Subscription{}, errors.New("connection reset by peer")
}

func TestRunSubscriptionInfraErrorReleasesClaim(t *testing.T) {
	h := newHarness(t, status(http.StatusOK), Config{})
	h.create(t, "d-1", "sub-1")
	h.sched.subs = brokenSubs{}

	if _, err := h.sched.Run(context.Background(), "d-1"); err == nil {
		t.Fatal("Run() should surface the lookup failure")
	}
	if d := h.delivery(t, "d-1"); d.Status != delivery.StatusPending {
		t.Errorf("status = %s, want pending after release", d.Status)
	}
	n, _ := h.store.CountAttempts(context.Background(), "d-1")
	if n != 0 {
		t.Errorf("attempts = %d, want 0", n)
	}
}

func TestRunExhaustedBudget(t *testing.T) {
	h := newHarness(t, status(http.StatusOK), Config{MaxAttempts: 2})
	h.create(t, "d-1", "sub-1")
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		err := h.store.InsertAttempt(ctx, delivery.Attempt{
			ID: "a-" + string(rune('0'+i)), DeliveryID: "d-1", AttemptNumber: i, Outcome: delivery.OutcomeFailure,
			Reason: delivery.ReasonHTTPError, StatusCode: 500 + i, ErrorDetail: "HTTP " + string(rune('0'+i)),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	res, err := h.sched.Run(ctx, "d-1")
	if err != nil || res.Outcome != OutcomeFailed || res.Attempt != nil {
		t.Errorf("Run() = %+v, %v; want failed without a new attempt", res, err)
	}
	if h.hits.Load() != 0 {
		t.Error("receiver should not be called")
	}
	if d := h.delivery(t, "d-1"); d.Status != delivery.StatusFailed || d.CompletedAt == nil {
		t.Errorf("delivery = %s completed %v, want failed with completed_at", d.Status, d.CompletedAt)
	}

	if len(h.dlq.letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(h.dlq.letters))
	}
	dl := h.dlq.letters[0]
	if dl.DeliveryID != "d-1" || dl.Attempts != 2 || dl.LastStatusCode != 502 || dl.Reason != string(delivery.ReasonHTTPError) {
		t.Errorf("dead letter = %+v, want attempt 2 with status 502", dl)
	}
}

func TestRunReleasedRetryStaysRescuable(t *testing.T) {
	h := newHarness(t, status(http.StatusBadGateway), Config{MaxAttempts: 3, RetryDelays: []time.Duration{time.Millisecond}})
	h.create(t, "d-1", "sub-1")
	ctx := context.Background()

	res, err := h.sched.Run(ctx, "d-1")
	if err != nil || res.Outcome != OutcomeRetryScheduled {
		t.Fatalf("Run() = %+v, %v; want retry_scheduled", res, err)
	}
	time.Sleep(10 * time.Millisecond)

	h.sched.subs = brokenSubs{}
	if _, err := h.sched.Run(ctx, "d-1"); err == nil {
		t.Fatal("Run() should surface the lookup failure")
	}

	d := h.delivery(t, "d-1")
	if d.Status != delivery.StatusRetryScheduled || d.NextAttemptAt == nil {
		t.Fatalf("after release: status = %s next_attempt_at = %v, want retry_scheduled with a due time", d.Status, d.NextAttemptAt)
	}
	ids, err := h.store.DueDeliveries(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "d-1" {
		t.Errorf("DueDeliveries() = %v, want [d-1]", ids)
	}

	h.sched.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := h.sched.RescueDue(ctx, 10)
	if err != nil || n != 1 {
		t.Errorf("RescueDue() = %d, %v; want 1", n, err)
	}
}

func TestRunDeliveryPurgedMidAttempt(t *testing.T) {
	ctx := context.Background()
	var h *harness
	h = newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.store.PurgeBatch(ctx, time.Now().Add(time.Hour), 10); err != nil {
			t.Errorf("PurgeBatch() error = %v", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}, Config{MaxAttempts: 3})
	h.create(t, "d-1", "sub-1")

	res, err := h.sched.Run(ctx, "d-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeSkipped || res.SkipCause != SkipMissing {
		t.Errorf("Run() = %+v, want skipped as missing", res)
	}
	n, err := h.store.CountAttempts(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("attempts = %d, want none left behind", n)
	}
	if len(h.queue.tasks) != 0 {
		t.Errorf("tasks = %+v, want no retry for a purged delivery", h.queue.tasks)
	}
}

type duplicateAttempter struct{}

func (duplicateAttempter) Execute(ctx context.Context, d delivery.Delivery, sub delivery.Subscription, n int) (delivery.Attempt, error) {
	return delivery.Attempt{}, store.ErrDuplicateAttempt
}

func (duplicateAttempter) RecordFailure(ctx context.Context, d delivery.Delivery, n int, r delivery.FailureReason, detail string) (delivery.Attempt, error) {
	return delivery.Attempt{}, store.ErrDuplicateAttempt
}

func TestRunDuplicateAttemptIsNoop(t *testing.T) {
	h := newHarness(t, status(http.StatusOK), Config{})
	h.create(t, "d-1", "sub-1")
	h.sched.exec = duplicateAttempter{}

	res, err := h.sched.Run(context.Background(), "d-1")
	if err != nil || res.SkipCause != SkipDuplicate {
		t.Errorf("Run() = %+v, %v; want skipped duplicate", res, err)
	}
	if d := h.delivery(t, "d-1"); d.Status != delivery.StatusProcessing {
		t.Errorf("status = %s, loser must not touch it", d.Status)
	}
}

func TestRunEnqueueFailureKeepsRetryScheduled(t *testing.T) {
	h := newHarness(t, status(http.StatusInternalServerError), Config{})
	h.create(t, "d-1", "sub-1")
	h.queue.err = errors.New("nsqd unavailable")

	res, err := h.sched.Run(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeRetryScheduled {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if d := h.delivery(t, "d-1"); d.Status != delivery.StatusRetryScheduled {
		t.Errorf("status = %s, want retry_scheduled", d.Status)
	}
}

func TestConcurrentRunsMakeOneAttempt(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}, Config{})
	h.create(t, "d-1", "sub-1")

	var wg sync.WaitGroup
	var delivered atomic.Int32
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.sched.Run(context.Background(), "d-1")
			if err != nil {
				t.Errorf("Run() error = %v", err)
				return
			}
			if res.Outcome == OutcomeDelivered {
				delivered.Add(1)
			}
		}()
	}
	wg.Wait()

	if delivered.Load() != 1 {
		t.Errorf("delivered outcomes = %d, want 1", delivered.Load())
	}
	if h.hits.Load() != 1 {
		t.Errorf("receiver hits = %d, want 1", h.hits.Load())
	}
	if n, _ := h.store.CountAttempts(context.Background(), "d-1"); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestRescueDue(t *testing.T) {
	h := newHarness(t, status(http.StatusOK), Config{ClaimLease: time.Minute})
	ctx := context.Background()

	err := h.store.CreateDelivery(ctx, delivery.Delivery{
		ID: "stale", SubscriptionID: "sub-1", Payload: []byte(`{}`), CreatedAt: time.Now().Add(-10 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.create(t, "fresh", "sub-1")

	n, err := h.sched.RescueDue(ctx, 100)
	if err != nil {
		t.Fatalf("RescueDue() error = %v", err)
	}
	if n != 1 || len(h.queue.tasks) != 1 || h.queue.tasks[0].id != "stale" {
		t.Errorf("RescueDue() = %d, tasks %+v; want only stale", n, h.queue.tasks)
	}
}
