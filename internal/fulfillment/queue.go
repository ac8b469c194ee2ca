package fulfillment

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner executes and discovers cascades. *Orchestrator implements it.
type Runner interface {
	Fulfill(ctx context.Context, orderID string) (int, error)
	Pending(ctx context.Context) ([]string, error)
}

var _ Runner = (*Orchestrator)(nil)

// Queue is a bounded in-process hand-off for cascades. Orders that do not
// fit stay queued in the repository and are picked up by the sweep.
type Queue struct {
	runner Runner
	cfg    Config
	ch     chan string
}

var _ Scheduler = (*Queue)(nil)

// NewQueue returns a Queue. Call Run to start processing.
func NewQueue(cfg Config, runner Runner) *Queue {
	cfg.setDefaults()
	return &Queue{
		runner: runner,
		cfg:    cfg,
		ch:     make(chan string, cfg.QueueSize),
	}
}

// Schedule enqueues the order without blocking and reports whether it fit.
func (q *Queue) Schedule(orderID string) bool {
	select {
	case q.ch <- orderID:
		return true
	default:
		return false
	}
}

// Run processes cascades with the configured number of workers and sweeps
// for unfinished ones at start and then periodically. It returns when ctx is
// done.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		g.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		q.sweepLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.ch:
			q.process(ctx, id)
		}
	}
}

// process retries a failed cascade with exponential backoff until it is
// delivered, no longer claimable, or out of attempts.
func (q *Queue) process(ctx context.Context, orderID string) {
	lg := zctx.From(ctx).With(zap.String("order_id", orderID))
	backoff := q.cfg.Backoff
	for {
		attempt, err := q.runner.Fulfill(ctx, orderID)
		if err == nil || attempt == 0 {
			return
		}
		if attempt >= q.cfg.MaxAttempts {
			lg.Error("Fulfillment attempts exhausted, resend required",
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return
		}
		lg.Warn("Fulfillment attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if sleepCtx(ctx, backoff) != nil {
			return
		}
		backoff *= 2
	}
}

func (q *Queue) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		q.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep enqueues paid orders whose cascade is unfinished and returns how many
// were enqueued.
func (q *Queue) Sweep(ctx context.Context) int {
	ids, err := q.runner.Pending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			zctx.From(ctx).Warn("Fulfillment sweep failed", zap.Error(err))
		}
		return 0
	}
	n := 0
	for _, id := range ids {
		if !q.Schedule(id) {
			break
		}
		n++
	}
	if n > 0 {
		zctx.From(ctx).Info("Fulfillment sweep enqueued orders", zap.Int("count", n))
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
