package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/usdt-escrow/backend/internal/metrics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Claimer records that a notification was delivered. Claim reports false
// when the key is already held.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type RedisClaimer struct {
	client *redis.Client
	prefix string
}

func NewRedisClaimer(client *redis.Client) *RedisClaimer {
	return &RedisClaimer{client: client, prefix: "escrow:notified:"}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.prefix+key, 1, ttl).Result()
}

func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// AsyncNotifier buffers notifications and publishes them from its own
// goroutine. A full buffer drops the notification.
type AsyncNotifier struct {
	pub     Publisher
	claims  Claimer
	channel string
	ttl     time.Duration
	ch      chan *Notification
	dropped atomic.Int64
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewAsyncNotifier(pub Publisher, claims Claimer, buffer int, ttl time.Duration, m *metrics.Metrics, log *zap.Logger) *AsyncNotifier {
	if buffer <= 0 {
		buffer = 512
	}
	return &AsyncNotifier{
		pub:     pub,
		claims:  claims,
		channel: Channel,
		ttl:     ttl,
		ch:      make(chan *Notification, buffer),
		metrics: m,
		log:     log.With(zap.String("component", "notifier")),
	}
}

func (n *AsyncNotifier) Notify(x *Notification) {
	select {
	case n.ch <- x:
	default:
		n.dropped.Inc()
		n.metrics.Notification("dropped")
		n.log.Warn("notification buffer full, dropping",
			zap.String("type", string(x.Type)),
			zap.String("deal_id", x.DealID),
		)
	}
}

// Dropped reports how many notifications were lost to a full buffer.
func (n *AsyncNotifier) Dropped() int64 {
	return n.dropped.Load()
}

// Run delivers until ctx is done, then drains what is already buffered.
func (n *AsyncNotifier) Run(ctx context.Context) error {
	for {
		select {
		case x := <-n.ch:
			n.deliver(ctx, x)
		case <-ctx.Done():
			n.drain()
			return nil
		}
	}
}

func (n *AsyncNotifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case x := <-n.ch:
			n.deliver(ctx, x)
		default:
			return
		}
	}
}

func (n *AsyncNotifier) deliver(ctx context.Context, x *Notification) {
	log := n.log.With(zap.String("type", string(x.Type)), zap.String("deal_id", x.DealID))
	key := x.DedupKey()

	if n.claims != nil {
		ok, err := n.claims.Claim(ctx, key, n.ttl)
		if err != nil {
			// Without the dedup store a duplicate is preferred over a loss.
			log.Warn("notification dedup unavailable", zap.Error(err))
		} else if !ok {
			n.metrics.Notification("duplicate")
			log.Debug("duplicate notification suppressed")
			return
		}
	}

	if err := n.pub.Publish(ctx, n.channel, x); err != nil {
		n.metrics.Notification("error")
		log.Error("publish notification failed", zap.Error(err))
		if n.claims != nil {
			_ = n.claims.Release(ctx, key)
		}
		return
	}
	n.metrics.Notification("published")
}
