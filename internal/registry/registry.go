// Package registry resolves subscriptions through an optional two-tier read-through cache.
// The authoritative store always wins: any cache failure degrades to a direct read.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store"
)

const DefaultTTL = 5 * time.Minute

// Source is the authoritative subscription lookup
type Source interface {
	GetSubscription(ctx context.Context, id string) (delivery.Subscription, error)
}

// Writer is implemented by sources that accept subscription upserts
type Writer interface {
	SaveSubscription(ctx context.Context, sub delivery.Subscription) error
}

// Remote is a shared cache tier. Get reports found=false on a miss.
type Remote interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type Registry struct {
	src    Source
	local  *cache.Cache
	remote Remote
	ttl    time.Duration
	log    *logging.Logger
}

type Option func(*Registry)

// WithRemote adds a shared cache tier behind the in-process one
func WithRemote(r Remote) Option {
	return func(reg *Registry) { reg.remote = r }
}

func WithLogger(l *logging.Logger) Option {
	return func(reg *Registry) { reg.log = l }
}

// New wraps src. A ttl of zero or less disables both cache tiers.
func New(src Source, ttl time.Duration, opts ...Option) *Registry {
	r := &Registry{src: src, ttl: ttl, log: logging.New("registry")}
	for _, opt := range opts {
		opt(r)
	}
	if ttl > 0 {
		r.local = cache.New(ttl, 2*ttl)
	} else {
		r.remote = nil
	}
	return r
}

func key(id string) string {
	return "subscription:" + id
}

// GetSubscription returns delivery.ErrSubscriptionNotFound for unknown ids
func (r *Registry) GetSubscription(ctx context.Context, id string) (delivery.Subscription, error) {
	k := key(id)

	if r.local != nil {
		if v, ok := r.local.Get(k); ok {
			metrics.RecordCacheLookup("local", "hit")
			return v.(delivery.Subscription), nil
		}
		metrics.RecordCacheLookup("local", "miss")
	}

	if r.remote != nil {
		if sub, ok := r.fromRemote(ctx, k); ok {
			r.local.Set(k, sub, cache.DefaultExpiration)
			return sub, nil
		}
	}

	sub, err := r.src.GetSubscription(ctx, id)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, delivery.ErrSubscriptionNotFound) {
		return delivery.Subscription{}, delivery.ErrSubscriptionNotFound
	}
	if err != nil {
		return delivery.Subscription{}, fmt.Errorf("load subscription %s: %w", id, err)
	}

	if r.local != nil {
		r.local.Set(k, sub, cache.DefaultExpiration)
	}
	if r.remote != nil {
		r.toRemote(ctx, k, sub)
	}
	return sub, nil
}

func (r *Registry) fromRemote(ctx context.Context, k string) (delivery.Subscription, bool) {
	data, found, err := r.remote.Get(ctx, k)
	if err != nil {
		metrics.RecordCacheLookup("redis", "error")
		r.log.WithContext(ctx).WithField("key", k).WithError(err).Warn("subscription cache read failed, using store")
		return delivery.Subscription{}, false
	}
	if !found {
		metrics.RecordCacheLookup("redis", "miss")
		return delivery.Subscription{}, false
	}
	var sub delivery.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		metrics.RecordCacheLookup("redis", "error")
		r.log.WithContext(ctx).WithField("key", k).WithError(err).Warn("discarding undecodable cache entry")
		return delivery.Subscription{}, false
	}
	metrics.RecordCacheLookup("redis", "hit")
	return sub, true
}

func (r *Registry) toRemote(ctx context.Context, k string, sub delivery.Subscription) {
	data, err := json.Marshal(sub)
	if err != nil {
		return
	}
	if err := r.remote.Set(ctx, k, data, r.ttl); err != nil {
		r.log.WithContext(ctx).WithField("key", k).WithError(err).Warn("subscription cache write failed")
	}
}

// Invalidate drops id from both tiers
func (r *Registry) Invalidate(ctx context.Context, id string) {
	k := key(id)
	if r.local != nil {
		r.local.Delete(k)
	}
	if r.remote != nil {
		if err := r.remote.Del(ctx, k); err != nil {
			r.log.WithContext(ctx).WithField("key", k).WithError(err).Warn("subscription cache invalidation failed")
		}
	}
}

// Save writes through to the source and invalidates the cached copy
func (r *Registry) Save(ctx context.Context, sub delivery.Subscription) error {
	w, ok := r.src.(Writer)
	if !ok {
		return errors.New("registry: source is read-only")
	}
	if err := w.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	r.Invalidate(ctx, sub.ID)
	return nil
}
