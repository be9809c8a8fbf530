package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/clock"
	"github.com/usdt-escrow/backend/internal/payout"
	"go.uber.org/zap"
)

type broadcastLog struct {
	mu  sync.Mutex
	clk clock.Clock
	at  map[string][]time.Time
	ops []string
}

// handler broadcasts legs times per item through the pacer.
func (b *broadcastLog) handler(legs int) HandlerFunc {
	return func(ctx context.Context, it Item, pace Pacer) error {
		for i := 0; i < legs; i++ {
			err := pace(ctx, func() error {
				b.mu.Lock()
				b.at[it.Multisig] = append(b.at[it.Multisig], b.clk.Now())
				b.ops = append(b.ops, it.DealID+"/"+string(it.Op))
				b.mu.Unlock()
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
}

func startQueue(t *testing.T, h Handler, clk clock.Clock, capacity int) *ActivationQueue {
	t.Helper()
	q := NewActivationQueue(h, capacity, 2*time.Second, clk, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func wait(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("queue item did not complete")
		return Result{}
	}
}

func TestSameMultisigBroadcastsAreGapped(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	log := &broadcastLog{clk: clk, at: map[string][]time.Time{}}
	q := startQueue(t, log.handler(2), clk, 16)

	var results []<-chan Result
	for _, it := range []Item{
		{DealID: "DL-1", Multisig: "TA", Op: payout.OpActivate},
		{DealID: "DL-2", Multisig: "TB", Op: payout.OpActivate},
		{DealID: "DL-1", Multisig: "TA", Op: payout.OpRelease},
		{DealID: "DL-3", Multisig: "TA", Op: payout.OpRefund},
	} {
		ch, err := q.Submit(it)
		require.NoError(t, err)
		results = append(results, ch)
	}
	for _, ch := range results {
		assert.NoError(t, wait(t, ch).Err)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	assert.Equal(t, []string{
		"DL-1/activate", "DL-1/activate",
		"DL-2/activate", "DL-2/activate",
		"DL-1/release", "DL-1/release",
		"DL-3/refund", "DL-3/refund",
	}, log.ops, "items are processed in submission order")

	for addr, times := range log.at {
		for i := 1; i < len(times); i++ {
			assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 2*time.Second, "broadcasts on %s", addr)
		}
	}
	assert.Len(t, log.at["TA"], 6)
}

// A broadcast slower than the gap still leaves a full gap before the next
// broadcast from the same multisig.
func TestGapCountsFromBroadcastEnd(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var starts, ends []time.Time
	h := HandlerFunc(func(ctx context.Context, it Item, pace Pacer) error {
		for i := 0; i < 2; i++ {
			err := pace(ctx, func() error {
				starts = append(starts, clk.Now())
				clk.Advance(5 * time.Second)
				ends = append(ends, clk.Now())
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	q := startQueue(t, h, clk, 4)

	first, err := q.Submit(Item{DealID: "DL-1", Multisig: "TA", Op: payout.OpActivate})
	require.NoError(t, err)
	second, err := q.Submit(Item{DealID: "DL-2", Multisig: "TA", Op: payout.OpActivate})
	require.NoError(t, err)
	require.NoError(t, wait(t, first).Err)
	require.NoError(t, wait(t, second).Err)

	require.Len(t, starts, 4)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(ends[i-1]), 2*time.Second, "broadcast %d", i)
	}
}

func TestBroadcastErrorIsReturned(t *testing.T) {
	clk := clock.NewFake(time.Now())
	boom := errors.New("rejected")
	h := HandlerFunc(func(ctx context.Context, it Item, pace Pacer) error {
		return pace(ctx, func() error { return boom })
	})
	q := startQueue(t, h, clk, 1)

	ch, err := q.Submit(Item{DealID: "DL-1", Multisig: "TA", Op: payout.OpActivate})
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, ch).Err, boom)
}

func TestSubmitRejectsQueuedDuplicate(t *testing.T) {
	clk := clock.NewFake(time.Now())
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, it Item, pace Pacer) error {
		started <- struct{}{}
		<-release
		return nil
	})
	q := startQueue(t, h, clk, 16)

	first, err := q.Submit(Item{DealID: "DL-1", Multisig: "TA", Op: payout.OpActivate})
	require.NoError(t, err)
	<-started

	second, err := q.Submit(Item{DealID: "DL-1", Multisig: "TA", Op: payout.OpActivate})
	require.NoError(t, err, "an item in flight does not block a resubmission")
	_, err = q.Submit(Item{DealID: "DL-1", Multisig: "TA", Op: payout.OpActivate})
	assert.True(t, apperr.Is(err, apperr.KindDuplicate))

	close(release)
	assert.NoError(t, wait(t, first).Err)
	assert.NoError(t, wait(t, second).Err)
}

func TestSubmitWhenFull(t *testing.T) {
	q := NewActivationQueue(HandlerFunc(func(context.Context, Item, Pacer) error { return nil }), 1, time.Second, clock.NewFake(time.Now()), nil, zap.NewNop())
	_, err := q.Submit(Item{DealID: "DL-1", Op: payout.OpActivate})
	require.NoError(t, err)
	_, err = q.Submit(Item{DealID: "DL-2", Op: payout.OpActivate})
	assert.ErrorIs(t, err, ErrFull)

	// A rejected item is not left marked as queued.
	_, err = q.Submit(Item{DealID: "DL-2", Op: payout.OpActivate})
	assert.ErrorIs(t, err, ErrFull)
}

func TestHandlerOutcomes(t *testing.T) {
	clk := clock.NewFake(time.Now())
	boom := errors.New("node down")
	h := HandlerFunc(func(ctx context.Context, it Item, pace Pacer) error {
		switch it.DealID {
		case "DL-dup":
			return apperr.Duplicate("already activated")
		case "DL-err":
			return boom
		}
		return nil
	})
	q := startQueue(t, h, clk, 4)

	dup, err := q.Submit(Item{DealID: "DL-dup", Op: payout.OpActivate})
	require.NoError(t, err)
	failed, err := q.Submit(Item{DealID: "DL-err", Op: payout.OpActivate})
	require.NoError(t, err)

	assert.NoError(t, wait(t, dup).Err)
	assert.ErrorIs(t, wait(t, failed).Err, boom)
}
