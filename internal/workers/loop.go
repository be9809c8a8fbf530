// Package workers hosts the background loops of the escrow: the deposit
// watcher, the deadline monitor, the reconciler and the queue executor.
package workers

import (
	"context"
	"sync"
	"time"

	"github.com/usdt-escrow/backend/internal/metrics"
	"github.com/usdt-escrow/backend/internal/queue"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Submitter is the producer side of the activation queue.
type Submitter interface {
	Submit(it queue.Item) (<-chan queue.Result, error)
}

// guard makes overlapping ticks of one worker skip instead of queueing up.
type guard struct {
	running atomic.Bool
}

func (g *guard) enter() bool { return g.running.CompareAndSwap(false, true) }
func (g *guard) leave()      { g.running.Store(false) }

// runLoop calls tick every interval until ctx is done. Each tick runs in its
// own goroutine so a slow one makes the next ones skip rather than drift.
func runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context), log *zap.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	log.Info("worker started", zap.String("worker", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopping", zap.String("worker", name))
			return
		case <-t.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				tick(ctx)
			}()
		}
	}
}

func observeTick(m *metrics.Metrics, worker string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Tick(worker, outcome, time.Since(start))
}
