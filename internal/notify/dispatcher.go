package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/gift-voucher/internal/apperr"
	"github.com/xenking/gift-voucher/internal/artifact"
	"github.com/xenking/gift-voucher/internal/domain/order"
)

// Dispatcher sends one artifact to every recipient independently.
type Dispatcher struct {
	sender   Sender
	composer *composer
	timeout  time.Duration
	sent     metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSendTimeout bounds each individual send. Non-positive values keep the
// default.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMeterProvider records dispatch outcomes on the given provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(d *Dispatcher) {
		counter, err := mp.Meter("voucher/notify").Int64Counter("voucher.notifications",
			metric.WithDescription("Notification attempts by recipient and result"),
		)
		if err == nil {
			d.sent = counter
		}
	}
}

// NewDispatcher parses the embedded mail templates and returns a Dispatcher.
func NewDispatcher(sender Sender, opts ...Option) (*Dispatcher, error) {
	c, err := newComposer()
	if err != nil {
		return nil, err
	}
	counter, _ := noop.NewMeterProvider().Meter("").Int64Counter("")
	d := &Dispatcher{
		sender:   sender,
		composer: c,
		timeout:  30 * time.Second,
		sent:     counter,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// DispatchAll sends the artifact to the store, the receiver and the payer
// concurrently. A failed recipient never cancels the others. The call fails
// with ErrDispatch only when every recipient failed.
func (d *Dispatcher) DispatchAll(ctx context.Context, o *order.Order, a *artifact.Artifact) (*Result, error) {
	if a == nil || a.View == nil {
		return nil, errors.New("dispatch: artifact has no view")
	}
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID), zap.String("artifact_id", a.ID))

	var (
		g        errgroup.Group
		mu       sync.Mutex
		outcomes = make(map[Recipient]Outcome, len(Recipients))
	)
	record := func(r Recipient) func() error {
		return func() error {
			start := time.Now()
			addr, err := d.send(ctx, r, a)
			out := Outcome{Recipient: r, Address: addr, Err: err, Duration: time.Since(start)}

			result := "ok"
			if err != nil {
				result = "error"
				lg.Warn("Notification failed",
					zap.String("recipient", string(r)),
					zap.String("address", addr),
					zap.Error(err),
				)
			}
			d.sent.Add(ctx, 1, metric.WithAttributes(
				attribute.String("recipient", string(r)),
				attribute.String("result", result),
			))

			mu.Lock()
			outcomes[r] = out
			mu.Unlock()
			return nil
		}
	}

	for _, r := range Recipients {
		g.Go(record(r))
	}
	_ = g.Wait()

	res := &Result{OrderID: o.ID, ArtifactID: a.ID}
	for _, r := range Recipients {
		res.Outcomes = append(res.Outcomes, outcomes[r])
	}
	if res.Delivered() == 0 {
		return res, errors.Wrapf(ErrDispatch, "all %d recipients failed", len(res.Outcomes))
	}
	lg.Info("Notifications dispatched", zap.Int("delivered", res.Delivered()))
	return res, nil
}

func (d *Dispatcher) send(ctx context.Context, r Recipient, a *artifact.Artifact) (string, error) {
	msg, err := d.composer.compose(r, a)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.Send(ctx, msg); err != nil {
		return msg.To, apperr.External("smtp", err)
	}
	return msg.To, nil
}
