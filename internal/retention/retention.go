// Package retention removes deliveries and their attempts once they outlive the
// retention period.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const (
	DefaultPeriod    = 72 * time.Hour
	DefaultBatchSize = 100
	DefaultInterval  = time.Hour
)

// Purger deletes one batch of old deliveries in a single transaction
type Purger interface {
	PurgeBatch(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type Config struct {
	Period    time.Duration
	BatchSize int
	Interval  time.Duration
}

type Sweeper struct {
	store Purger
	cfg   Config
	now   func() time.Time
	log   *logging.Logger
}

func New(store Purger, cfg Config) *Sweeper {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Sweeper{store: store, cfg: cfg, now: time.Now, log: logging.New("retention")}
}

// SweepOnce purges everything created before now-Period, batch by batch, and returns how
// many deliveries were removed. A failing batch is rolled back by the store; batches
// already committed stay deleted.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "retention.sweep")
	defer span.End()

	cutoff := s.now().Add(-s.cfg.Period)
	span.SetAttributes(attribute.String("retention.cutoff", cutoff.UTC().Format(time.RFC3339)))

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.store.PurgeBatch(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return total, fmt.Errorf("purge batch: %w", err)
		}
		total += n
		metrics.RecordPurged(n)
		if n < s.cfg.BatchSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("retention.deleted", total))
	return total, nil
}

// Run sweeps every Interval until ctx is done. Errors are logged and retried on the
// next tick.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Plain().WithFields(map[string]any{
		"period":     s.cfg.Period.String(),
		"batch_size": s.cfg.BatchSize,
		"interval":   s.cfg.Interval.String(),
	}).Info("retention sweeper started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Plain().Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	start := time.Now()
	n, err := s.SweepOnce(ctx)
	entry := s.log.WithContext(ctx).WithField("deleted", n).WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.RecordRetentionError()
		entry.WithError(err).Error("retention sweep failed")
		return
	}
	if n > 0 {
		entry.Info("retention sweep completed")
	}
}
