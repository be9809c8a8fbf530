package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/usdt-escrow/backend/internal/apperr"
	"go.uber.org/zap"
)

// ListKey is the Redis list the API pushes owed chain writes onto.
const ListKey = "escrow:queue"

// Dispatcher hands an owed chain write to whoever runs the queue consumer.
// The channel is nil when the result cannot be observed by the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, it Item) (<-chan Result, error)
}

// Local dispatches into a queue running in the same process.
type Local struct {
	Queue *ActivationQueue
}

func (l Local) Dispatch(_ context.Context, it Item) (<-chan Result, error) {
	return l.Queue.Submit(it)
}

// RedisDispatcher pushes items for a consumer in another process. The deal
// row already records the owed write, so a lost push is found again by the
// reconciler.
type RedisDispatcher struct {
	client *redis.Client
}

func NewRedisDispatcher(client *redis.Client) *RedisDispatcher {
	return &RedisDispatcher{client: client}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, it Item) (<-chan Result, error) {
	data, err := json.Marshal(it)
	if err != nil {
		return nil, err
	}
	if err := d.client.LPush(ctx, ListKey, data).Err(); err != nil {
		return nil, fmt.Errorf("dispatch %s of deal %s: %w", it.Op, it.DealID, err)
	}
	return nil, nil
}

// RedisFeed moves items from the Redis list into the local queue.
type RedisFeed struct {
	client *redis.Client
	queue  *ActivationQueue
	log    *zap.Logger
}

func NewRedisFeed(client *redis.Client, q *ActivationQueue, log *zap.Logger) *RedisFeed {
	return &RedisFeed{client: client, queue: q, log: log.With(zap.String("component", "queue_feed"))}
}

func (f *RedisFeed) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := f.client.BRPop(ctx, 5*time.Second, ListKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.log.Warn("queue feed read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// BRPOP returns the key followed by the value.
		var it Item
		if err := json.Unmarshal([]byte(res[1]), &it); err != nil {
			f.log.Error("dropping undecodable queue item", zap.Error(err))
			continue
		}
		if _, err := f.queue.Submit(it); err != nil && !apperr.Is(err, apperr.KindDuplicate) {
			f.log.Warn("queue item not accepted, left to the reconciler",
				zap.String("deal_id", it.DealID), zap.String("op", string(it.Op)), zap.Error(err))
		}
	}
}
