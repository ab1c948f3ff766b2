package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

type publishCall struct {
	topic string
	delay time.Duration
	body  []byte
}

type fakeProducer struct {
	calls []publishCall
	err   error
}

func (p *fakeProducer) Publish(topic string, body []byte) error {
	p.calls = append(p.calls, publishCall{topic: topic, body: body})
	return p.err
}

func (p *fakeProducer) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	p.calls = append(p.calls, publishCall{topic: topic, delay: delay, body: body})
	return p.err
}

func TestNSQPublisherEnqueue(t *testing.T) {
	tests := []struct {
		name      string
		delay     time.Duration
		wantDelay time.Duration
	}{
		{"immediate", 0, 0},
		{"deferred", 30 * time.Second, 30 * time.Second},
		{"clamped", 3 * time.Hour, MaxDeferral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prod := &fakeProducer{}
			p := NewNSQPublisher(prod, "deliveries", "deliveries_dlq")

			if err := p.Enqueue(context.Background(), "d-1", tt.delay); err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if len(prod.calls) != 1 {
				t.Fatalf("publish calls = %d, want 1", len(prod.calls))
			}
			call := prod.calls[0]
			if call.topic != "deliveries" || call.delay != tt.wantDelay {
				t.Errorf("published to %s with delay %v, want deliveries/%v", call.topic, call.delay, tt.wantDelay)
			}
			var task delivery.Task
			if err := json.Unmarshal(call.body, &task); err != nil {
				t.Fatal(err)
			}
			if task.DeliveryID != "d-1" || task.EnqueuedAt == "" {
				t.Errorf("task = %+v", task)
			}
		})
	}
}

func TestNSQPublisherErrors(t *testing.T) {
	p := NewNSQPublisher(&fakeProducer{err: errors.New("nsqd down")}, "deliveries", "")
	if err := p.Enqueue(context.Background(), "d-1", 0); err == nil {
		t.Error("Enqueue() should surface publish errors")
	}
	if err := p.PublishDeadLetter(context.Background(), delivery.DeadLetter{DeliveryID: "d-1"}); err != nil {
		t.Errorf("PublishDeadLetter() with no topic = %v, want nil", err)
	}
}

func TestNSQPublisherDeadLetter(t *testing.T) {
	prod := &fakeProducer{}
	p := NewNSQPublisher(prod, "deliveries", "deliveries_dlq")
	dl := delivery.DeadLetter{Type: delivery.DLQType, DeliveryID: "d-1", Attempts: 5}

	if err := p.PublishDeadLetter(context.Background(), dl); err != nil {
		t.Fatal(err)
	}
	if len(prod.calls) != 1 || prod.calls[0].topic != "deliveries_dlq" {
		t.Fatalf("calls = %+v", prod.calls)
	}
	var got delivery.DeadLetter
	if err := json.Unmarshal(prod.calls[0].body, &got); err != nil {
		t.Fatal(err)
	}
	if got.DeliveryID != "d-1" || got.Attempts != 5 {
		t.Errorf("dead letter = %+v", got)
	}
}

type delegate struct {
	finished int
	requeued []time.Duration
}

func (d *delegate) OnFinish(m *nsq.Message) { d.finished++ }
func (d *delegate) OnRequeue(m *nsq.Message, delay time.Duration, backoff bool) {
	d.requeued = append(d.requeued, delay)
}
func (d *delegate) OnTouch(m *nsq.Message) {}

func message(body []byte) (*nsq.Message, *delegate) {
	var id nsq.MessageID
	m := nsq.NewMessage(id, body)
	d := &delegate{}
	m.Delegate = d
	return m, d
}

func TestHandlerHandleMessage(t *testing.T) {
	taskBody, _ := json.Marshal(delivery.Task{DeliveryID: "d-1"})

	tests := []struct {
		name         string
		body         []byte
		runErr       error
		wantRun      bool
		wantFinished int
		wantRequeued int
	}{
		{"success finishes", taskBody, nil, true, 1, 0},
		{"run error requeues", taskBody, errors.New("db down"), true, 0, 1},
		{"bad payload finishes", []byte("{nope"), nil, false, 1, 0},
		{"missing id finishes", []byte(`{}`), nil, false, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ran string
			h := NewHandler(func(ctx context.Context, id string) error {
				ran = id
				return tt.runErr
			}, 2*time.Second)

			m, d := message(tt.body)
			if err := h.HandleMessage(m); err != nil {
				t.Fatalf("HandleMessage() error = %v", err)
			}
			if (ran == "d-1") != tt.wantRun {
				t.Errorf("run called with %q, wantRun %v", ran, tt.wantRun)
			}
			if d.finished != tt.wantFinished || len(d.requeued) != tt.wantRequeued {
				t.Errorf("finished=%d requeued=%d, want %d/%d", d.finished, len(d.requeued), tt.wantFinished, tt.wantRequeued)
			}
			if tt.wantRequeued > 0 && d.requeued[0] != 2*time.Second {
				t.Errorf("requeue delay = %v, want 2s", d.requeued[0])
			}
		})
	}
}

func TestLocalRunsAfterDelay(t *testing.T) {
	l := NewLocal(2, time.Millisecond)
	var mu sync.Mutex
	ran := map[string]time.Time{}
	l.Start(context.Background(), func(ctx context.Context, id string) error {
		mu.Lock()
		ran[id] = time.Now()
		mu.Unlock()
		return nil
	})
	defer l.Stop()

	start := time.Now()
	if err := l.Enqueue(context.Background(), "now", 0); err != nil {
		t.Fatal(err)
	}
	if err := l.Enqueue(context.Background(), "later", 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	l.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 2 {
		t.Fatalf("ran %v, want both tasks", ran)
	}
	if ran["later"].Sub(start) < 30*time.Millisecond {
		t.Errorf("delayed task ran after %v, want >= 30ms", ran["later"].Sub(start))
	}
}

func TestLocalBoundsConcurrency(t *testing.T) {
	l := NewLocal(2, time.Millisecond)
	var inFlight, peak atomic.Int32
	l.Start(context.Background(), func(ctx context.Context, id string) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	defer l.Stop()

	for i := 0; i < 8; i++ {
		if err := l.Enqueue(context.Background(), "d", 0); err != nil {
			t.Fatal(err)
		}
	}
	l.Wait()
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestLocalRequeuesOnError(t *testing.T) {
	l := NewLocal(1, time.Millisecond)
	var calls atomic.Int32
	l.Start(context.Background(), func(ctx context.Context, id string) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	defer l.Stop()

	if err := l.Enqueue(context.Background(), "d-1", 0); err != nil {
		t.Fatal(err)
	}
	l.Wait()
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestLocalStop(t *testing.T) {
	l := NewLocal(1, time.Millisecond)
	var calls atomic.Int32
	l.Start(context.Background(), func(ctx context.Context, id string) error {
		calls.Add(1)
		return nil
	})

	if err := l.Enqueue(context.Background(), "d-1", time.Hour); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not cancel the pending timer")
	}

	if err := l.Enqueue(context.Background(), "d-2", 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after Stop = %v, want ErrClosed", err)
	}
	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", calls.Load())
	}
}

func TestNSQLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NSQLogger{log: logging.NewWithZap("nsq", zap.New(core))}

	_ = l.Output(2, "ERR    1 [deliveries/workers] connection lost")
	_ = l.Output(2, "WRN    1 [deliveries/workers] backing off")
	_ = l.Output(2, "INF    1 [deliveries/workers] connecting")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	want := []zapcore.Level{zapcore.ErrorLevel, zapcore.WarnLevel, zapcore.InfoLevel}
	for i, e := range entries {
		if e.Level != want[i] {
			t.Errorf("entry %d level = %v, want %v", i, e.Level, want[i])
		}
	}
}

func TestBacklogMonitorPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"topics":[
			{"topic_name":"other","channels":[{"channel_name":"workers","depth":99}]},
			{"topic_name":"deliveries","channels":[
				{"channel_name":"audit","depth":7},
				{"channel_name":"workers","depth":3,"deferred_count":4,"in_flight_count":2}
			]}
		]}`))
	}))
	defer srv.Close()

	m := NewBacklogMonitor(strings.TrimPrefix(srv.URL, "http://"), "deliveries", "workers")
	n, err := m.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if n != 7 {
		t.Errorf("Poll() = %d, want 7", n)
	}

	missing := NewBacklogMonitor(strings.TrimPrefix(srv.URL, "http://"), "deliveries", "nobody")
	if n, err := missing.Poll(context.Background()); err != nil || n != 0 {
		t.Errorf("Poll() for unknown channel = %d, %v", n, err)
	}
}

func TestBacklogMonitorPollErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := NewBacklogMonitor(strings.TrimPrefix(srv.URL, "http://"), "deliveries", "workers")
	if _, err := m.Poll(context.Background()); err == nil {
		t.Error("Poll() should fail on a non-200 response")
	}
}

func TestNsqdHTTPAddr(t *testing.T) {
	tests := []struct{ in, want string }{
		{"nsqd:4150", "nsqd:4151"},
		{"127.0.0.1:4150", "127.0.0.1:4151"},
		{"nsqd:5000", "nsqd:5000"},
		{"nsqd", "nsqd"},
	}
	for _, tt := range tests {
		if got := NsqdHTTPAddr(tt.in); got != tt.want {
			t.Errorf("NsqdHTTPAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
