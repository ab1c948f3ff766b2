package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// MaxDeferral is nsqd's default --max-req-timeout. Longer delays are clamped; the
// claim check makes an early run harmless.
const MaxDeferral = time.Hour

// Publisher is the part of *nsq.Producer used here
type Publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

type NSQPublisher struct {
	prod     Publisher
	topic    string
	dlqTopic string
}

// NewNSQPublisher publishes tasks on topic and dead letters on dlqTopic (empty disables them)
func NewNSQPublisher(prod Publisher, topic, dlqTopic string) *NSQPublisher {
	return &NSQPublisher{prod: prod, topic: topic, dlqTopic: dlqTopic}
}

func (p *NSQPublisher) Enqueue(ctx context.Context, deliveryID string, delay time.Duration) error {
	if delay > MaxDeferral {
		delay = MaxDeferral
	}
	t := delivery.Task{
		DeliveryID:   deliveryID,
		EnqueuedAt:   time.Now().UTC().Format(time.RFC3339),
		DelayMS:      delay.Milliseconds(),
		TraceHeaders: tracing.InjectTaskHeaders(ctx),
	}
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if delay <= 0 {
		err = p.prod.Publish(p.topic, body)
	} else {
		err = p.prod.DeferredPublish(p.topic, delay, body)
	}
	if err != nil {
		return fmt.Errorf("publish task %s: %w", deliveryID, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_task",
		attribute.String("topic", p.topic),
		attribute.String("delay", delay.String()),
	)
	return nil
}

func (p *NSQPublisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	if p.dlqTopic == "" {
		return nil
	}
	body, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := p.prod.Publish(p.dlqTopic, body); err != nil {
		return fmt.Errorf("publish dead letter %s: %w", dl.DeliveryID, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", p.dlqTopic))
	return nil
}

// Handler turns NSQ messages into scheduler invocations
type Handler struct {
	run          RunFunc
	requeueDelay time.Duration
	log          *logging.Logger
}

func NewHandler(run RunFunc, requeueDelay time.Duration) *Handler {
	if requeueDelay <= 0 {
		requeueDelay = DefaultRequeueDelay
	}
	return &Handler{run: run, requeueDelay: requeueDelay, log: logging.New("worker")}
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	var t delivery.Task
	if err := json.Unmarshal(m.Body, &t); err != nil || t.DeliveryID == "" {
		h.log.Plain().WithError(err).WithField("body", string(m.Body)).Error("bad task payload")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	ctx := tracing.ExtractTaskHeaders(context.Background(), t.TraceHeaders)
	if err := h.run(ctx, t.DeliveryID); err != nil {
		h.log.WithContext(ctx).WithDelivery(t.DeliveryID).WithError(err).
			WithField("attempts", m.Attempts).Warn("delivery run failed, requeueing task")
		m.Requeue(h.requeueDelay)
		return nil
	}
	m.Finish()
	return nil
}

type ConsumerConfig struct {
	Topic        string
	Channel      string
	NsqdTCPAddr  string
	LookupdAddr  string
	Concurrency  int
	RequeueDelay time.Duration
}

// Consumer is the worker pool: Concurrency handlers pull tasks from one channel
type Consumer struct {
	c   *nsq.Consumer
	cfg ConsumerConfig
}

func NewConsumer(cfg ConsumerConfig, run RunFunc) (*Consumer, error) {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Concurrency
	c, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	c.SetLogger(NSQLogger{log: logging.New("nsq")}, nsq.LogLevelWarning)
	c.AddConcurrentHandlers(NewHandler(run, cfg.RequeueDelay), cfg.Concurrency)
	return &Consumer{c: c, cfg: cfg}, nil
}

// Connect attaches to nsqd directly (forcing channel creation) and to lookupd when configured
func (c *Consumer) Connect() error {
	if c.cfg.NsqdTCPAddr != "" {
		if err := c.c.ConnectToNSQD(c.cfg.NsqdTCPAddr); err != nil {
			return fmt.Errorf("connect to nsqd: %w", err)
		}
	}
	if c.cfg.LookupdAddr != "" {
		if err := c.c.ConnectToNSQLookupd(c.cfg.LookupdAddr); err != nil {
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return nil
}

// Stop drains in-flight handlers
func (c *Consumer) Stop() {
	c.c.Stop()
	<-c.c.StopChan
}

// NewProducer builds an NSQ producer that logs through the service logger
func NewProducer(addr string) (*nsq.Producer, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLogger(NSQLogger{log: logging.New("nsq")}, nsq.LogLevelWarning)
	return prod, nil
}

// NSQLogger adapts the structured logger to go-nsq's logger interface
type NSQLogger struct {
	log *logging.Logger
}

func (l NSQLogger) Output(calldepth int, s string) error {
	msg := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(msg, "ERR"):
		l.log.Plain().Error(msg)
	case strings.HasPrefix(msg, "WRN"):
		l.log.Plain().Warn(msg)
	default:
		l.log.Plain().Info(msg)
	}
	return nil
}
