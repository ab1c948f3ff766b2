package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/registry"
	"github.com/austindbirch/harbor_relay/internal/scheduler"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/store/sqlite"
)

type fakeRunner struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *fakeRunner) Run(ctx context.Context, id string) (scheduler.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return scheduler.Result{Outcome: scheduler.OutcomeDelivered}, r.err
}

type fakeQueue struct {
	ids    []string
	delays []time.Duration
	err    error
}

func (q *fakeQueue) Enqueue(ctx context.Context, id string, delay time.Duration) error {
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	q.delays = append(q.delays, delay)
	return nil
}

func openStore(t *testing.T, subs ...delivery.Subscription) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)
	for _, s := range subs {
		if err := st.SaveSubscription(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

var (
	openSub   = delivery.Subscription{ID: "open", TargetURL: "http://receiver.invalid/hook", Status: delivery.SubscriptionActive}
	signedSub = delivery.Subscription{
		ID:         "signed",
		TargetURL:  "http://receiver.invalid/hook",
		Secret:     "s3cr3t",
		EventTypes: []string{"order.created"},
		Status:     delivery.SubscriptionActive,
	}
	pausedSub = delivery.Subscription{
		ID:         "paused",
		TargetURL:  "http://receiver.invalid/hook",
		EventTypes: []string{"order.created"},
		Status:     delivery.SubscriptionInactive,
	}
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"object", `{"a":1}`, false},
		{"array", `[1,2]`, false},
		{"scalar string", `"hello"`, false},
		{"number", `42`, false},
		{"padded object", "  \n{\"a\":1}\n", false},
		{"empty", ``, true},
		{"whitespace", " \t\n ", true},
		{"null", `null`, true},
		{"empty object", `{}`, true},
		{"empty array", ` [ ] `, true},
		{"invalid json", `{"a":`, true},
		{"form encoded", `a=1&b=2`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePayload([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("validatePayload(%q) error = %v, wantErr %v", tt.body, err, tt.wantErr)
			}
			if err != nil && !delivery.IsValidation(err) {
				t.Errorf("error %v is not a ValidationError", err)
			}
		})
	}
}

func TestIngestGates(t *testing.T) {
	body := []byte(`{"a":1}`)
	goodSig := signing.HeaderValue("s3cr3t", body)

	tests := []struct {
		name         string
		sub          string
		body         []byte
		eventType    string
		signature    string
		wantErr      func(error) bool
		wantFiltered bool
		wantDelivery bool
	}{
		{name: "unknown subscription", sub: "nope", body: body,
			wantErr: func(err error) bool { return errors.Is(err, delivery.ErrSubscriptionNotFound) }},
		{name: "empty payload", sub: "open", body: nil, wantErr: delivery.IsValidation},
		{name: "accepted without filter", sub: "open", body: body, eventType: "anything", wantDelivery: true},
		{name: "filtered before signature check", sub: "signed", body: body, eventType: "order.deleted",
			signature: "sha256=bad", wantFiltered: true},
		{name: "missing signature", sub: "signed", body: body, eventType: "order.created", wantErr: delivery.IsAuthentication},
		{name: "bad signature", sub: "signed", body: body, eventType: "order.created",
			signature: signing.HeaderValue("wrong", body), wantErr: delivery.IsAuthentication},
		{name: "signed and accepted", sub: "signed", body: body, eventType: "order.created",
			signature: goodSig, wantDelivery: true},
		{name: "no event type skips the filter", sub: "signed", body: body, signature: goodSig, wantDelivery: true},
		{name: "inactive subscription does not filter", sub: "paused", body: body, eventType: "order.deleted", wantDelivery: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := openStore(t, openSub, signedSub, pausedSub)
			runner := &fakeRunner{}
			gw := New(st, registry.New(st, 0), runner)

			rec, err := gw.Ingest(context.Background(), tt.sub, tt.body, tt.eventType, tt.signature)
			if tt.wantErr != nil {
				if err == nil || !tt.wantErr(err) {
					t.Fatalf("Ingest() error = %v, want matching error", err)
				}
			} else if err != nil {
				t.Fatalf("Ingest() unexpected error: %v", err)
			}
			if rec.Filtered != tt.wantFiltered {
				t.Errorf("Filtered = %v, want %v", rec.Filtered, tt.wantFiltered)
			}

			ds, err := st.ListDeliveries(context.Background(), tt.sub, 10)
			if err != nil {
				t.Fatal(err)
			}
			if got := len(ds) == 1; got != tt.wantDelivery {
				t.Fatalf("deliveries = %d, wantDelivery %v", len(ds), tt.wantDelivery)
			}
			if !tt.wantDelivery {
				if len(runner.ids) != 0 {
					t.Errorf("runner invoked for rejected request: %v", runner.ids)
				}
				return
			}
			d := ds[0]
			if d.ID != rec.DeliveryID || d.Status != delivery.StatusPending || d.EventType != tt.eventType {
				t.Errorf("delivery = %+v, receipt = %+v", d, rec)
			}
			if len(runner.ids) != 1 || runner.ids[0] != d.ID {
				t.Errorf("runner ids = %v, want [%s]", runner.ids, d.ID)
			}
		})
	}
}

func TestIngestKeepsPayloadBytes(t *testing.T) {
	st := openStore(t, openSub)
	gw := New(st, registry.New(st, 0), &fakeRunner{})
	body := []byte("{ \"b\": 2,\n  \"a\": 1 }")

	rec, err := gw.Ingest(context.Background(), "open", body, "", "")
	if err != nil {
		t.Fatal(err)
	}
	d, err := st.GetDelivery(context.Background(), rec.DeliveryID)
	if err != nil {
		t.Fatal(err)
	}
	if string(d.Payload) != string(body) {
		t.Errorf("payload = %q, want %q", d.Payload, body)
	}
}

func TestIngestQueuedMode(t *testing.T) {
	st := openStore(t, openSub)
	runner := &fakeRunner{}
	q := &fakeQueue{}
	gw := New(st, registry.New(st, 0), runner, WithQueue(q))

	rec, err := gw.Ingest(context.Background(), "open", []byte(`{"a":1}`), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if gw.Mode() != ModeQueued {
		t.Errorf("Mode() = %s, want queued", gw.Mode())
	}
	if len(q.ids) != 1 || q.ids[0] != rec.DeliveryID || q.delays[0] != 0 {
		t.Errorf("enqueued %v with %v, want [%s] with no delay", q.ids, q.delays, rec.DeliveryID)
	}
	if len(runner.ids) != 0 {
		t.Errorf("queued mode ran inline: %v", runner.ids)
	}
}

func TestIngestQueuedFallsBackToDirect(t *testing.T) {
	st := openStore(t, openSub)
	runner := &fakeRunner{}
	gw := New(st, registry.New(st, 0), runner, WithQueue(&fakeQueue{err: errors.New("nsqd unavailable")}))

	rec, err := gw.Ingest(context.Background(), "open", []byte(`{"a":1}`), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(runner.ids) != 1 || runner.ids[0] != rec.DeliveryID {
		t.Errorf("runner ids = %v, want direct fallback for %s", runner.ids, rec.DeliveryID)
	}
}

func TestIngestRunErrorStillAccepts(t *testing.T) {
	st := openStore(t, openSub)
	gw := New(st, registry.New(st, 0), &fakeRunner{err: errors.New("database is locked")})

	rec, err := gw.Ingest(context.Background(), "open", []byte(`{"a":1}`), "", "")
	if err != nil {
		t.Fatalf("Ingest() error = %v, want acceptance once the delivery is stored", err)
	}
	if rec.DeliveryID == "" {
		t.Error("missing delivery id")
	}
}
