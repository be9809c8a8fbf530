// Package queue serialises every outbound chain write of the escrow.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/clock"
	"github.com/usdt-escrow/backend/internal/metrics"
	"github.com/usdt-escrow/backend/internal/payout"
	"go.uber.org/zap"
)

var ErrFull = errors.New("activation queue is full")

type Item struct {
	DealID   string    `json:"deal_id"`
	Multisig string    `json:"multisig"`
	Op       payout.Op `json:"op"`
}

type Result struct {
	Item Item
	Err  error
	At   time.Time
}

// Pacer runs broadcast once the item's multisig may broadcast again. The gap
// to the next broadcast from that multisig counts from when broadcast returns.
// Handlers wrap every chain write in it.
type Pacer func(ctx context.Context, broadcast func() error) error

type Handler interface {
	Handle(ctx context.Context, it Item, pace Pacer) error
}

type HandlerFunc func(ctx context.Context, it Item, pace Pacer) error

func (f HandlerFunc) Handle(ctx context.Context, it Item, pace Pacer) error { return f(ctx, it, pace) }

type ticket struct {
	item Item
	done chan Result
}

type key struct {
	dealID string
	op     payout.Op
}

// ActivationQueue is a single-consumer FIFO. Two broadcasts from the same
// multisig are always at least gap apart.
type ActivationQueue struct {
	handler Handler
	gap     time.Duration
	clk     clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger

	items chan *ticket

	mu      sync.Mutex
	queued  map[key]bool
	lastTx  map[string]time.Time
	running bool
}

func NewActivationQueue(handler Handler, capacity int, gap time.Duration, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *ActivationQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ActivationQueue{
		handler: handler,
		gap:     gap,
		clk:     clk,
		metrics: m,
		log:     log.With(zap.String("component", "activation_queue")),
		items:   make(chan *ticket, capacity),
		queued:  map[key]bool{},
		lastTx:  map[string]time.Time{},
	}
}

// Submit enqueues it without blocking. The returned channel receives exactly
// one Result. An item already waiting for the same deal and op is rejected
// with a Duplicate error.
func (q *ActivationQueue) Submit(it Item) (<-chan Result, error) {
	k := key{it.DealID, it.Op}
	q.mu.Lock()
	if q.queued[k] {
		q.mu.Unlock()
		return nil, apperr.Duplicate("%s of deal %s is already queued", it.Op, it.DealID)
	}
	q.queued[k] = true
	q.mu.Unlock()

	t := &ticket{item: it, done: make(chan Result, 1)}
	select {
	case q.items <- t:
		q.metrics.QueueDepth(len(q.items))
		return t.done, nil
	default:
		q.mu.Lock()
		delete(q.queued, k)
		q.mu.Unlock()
		return nil, ErrFull
	}
}

// Len reports the number of items waiting.
func (q *ActivationQueue) Len() int {
	return len(q.items)
}

// Run consumes items one at a time until ctx is done. Items still waiting at
// shutdown are dropped; the reconciler finds the work again.
func (q *ActivationQueue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("activation queue is already running")
	}
	q.running = true
	q.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-q.items:
			q.metrics.QueueDepth(len(q.items))
			q.process(ctx, t)
		}
	}
}

func (q *ActivationQueue) process(ctx context.Context, t *ticket) {
	it := t.item
	log := q.log.With(zap.String("deal_id", it.DealID), zap.String("op", string(it.Op)), zap.String("address", it.Multisig))

	q.mu.Lock()
	delete(q.queued, key{it.DealID, it.Op})
	q.mu.Unlock()

	err := q.handler.Handle(ctx, it, func(ctx context.Context, broadcast func() error) error {
		return q.pace(ctx, it.Multisig, broadcast)
	})
	switch {
	case err == nil:
		q.metrics.ChainWrite(string(it.Op), "ok")
		log.Info("queue item done")
	case apperr.Is(err, apperr.KindDuplicate), apperr.Is(err, apperr.KindStaleState):
		q.metrics.ChainWrite(string(it.Op), "noop")
		log.Info("queue item already handled", zap.Error(err))
		err = nil
	default:
		q.metrics.ChainWrite(string(it.Op), "error")
		log.Error("queue item failed", zap.Error(err))
	}
	t.done <- Result{Item: it, Err: err, At: q.clk.Now()}
}

func (q *ActivationQueue) pace(ctx context.Context, address string, broadcast func() error) error {
	q.mu.Lock()
	last, ok := q.lastTx[address]
	q.mu.Unlock()

	if ok {
		if wait := last.Add(q.gap).Sub(q.clk.Now()); wait > 0 {
			if err := q.clk.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	q.stamp(address)
	err := broadcast()
	q.stamp(address)
	return err
}

// stamp records now as the last broadcast of address and forgets addresses
// whose gap has passed.
func (q *ActivationQueue) stamp(address string) {
	now := q.clk.Now()
	q.mu.Lock()
	q.lastTx[address] = now
	for addr, at := range q.lastTx {
		if now.Sub(at) > q.gap {
			delete(q.lastTx, addr)
		}
	}
	q.mu.Unlock()
}
