// Package fulfillment gates the render+notify cascade of paid orders.
//
// The pending→completed payment transition and the decision to run the
// cascade are one conditional write in the order repository: only the caller
// that applies the transition schedules the cascade. Workers claim the
// cascade through the fulfillment state, so retries never re-send a
// delivered order. Resend is the explicit, ungated exception.
package fulfillment

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/gift-voucher/internal/artifact"
	"github.com/xenking/gift-voucher/internal/domain/order"
	"github.com/xenking/gift-voucher/internal/notify"
)

// Renderer produces the voucher document of an order.
type Renderer interface {
	Render(ctx context.Context, o *order.Order) (*artifact.Artifact, error)
}

// Dispatcher delivers a document to every recipient.
type Dispatcher interface {
	DispatchAll(ctx context.Context, o *order.Order, a *artifact.Artifact) (*notify.Result, error)
}

// Scheduler runs cascades asynchronously. Schedule must not block.
type Scheduler interface {
	Schedule(orderID string) bool
}

// Config holds cascade settings.
type Config struct {
	Workers       int           `default:"4"`
	QueueSize     int           `default:"256"`
	MaxAttempts   int           `default:"5"`
	Backoff       time.Duration `default:"2s"`
	StaleAfter    time.Duration `default:"10m"`
	SweepInterval time.Duration `default:"1m"`
	SweepBatch    int           `default:"100"`
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
}

// Orchestrator applies payment outcomes and runs the cascade.
type Orchestrator struct {
	orders     order.Repository
	artifacts  artifact.Store
	renderer   Renderer
	dispatcher Dispatcher
	scheduler  Scheduler
	cfg        Config
	now        func() time.Time

	tracer   trace.Tracer
	cascades metric.Int64Counter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTracerProvider traces every cascade run.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer("voucher/fulfillment") }
}

// WithMeterProvider counts cascade runs by result.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) {
		c, err := mp.Meter("voucher/fulfillment").Int64Counter("voucher.cascades",
			metric.WithDescription("Fulfillment cascade runs by trigger and result"),
		)
		if err == nil {
			o.cascades = c
		}
	}
}

// NewOrchestrator returns an Orchestrator that runs cascades inline until a
// Scheduler is attached with Attach.
func NewOrchestrator(
	cfg Config,
	orders order.Repository,
	artifacts artifact.Store,
	renderer Renderer,
	dispatcher Dispatcher,
	opts ...Option,
) *Orchestrator {
	cfg.setDefaults()
	counter, _ := metricnoop.NewMeterProvider().Meter("").Int64Counter("")
	o := &Orchestrator{
		orders:     orders,
		artifacts:  artifacts,
		renderer:   renderer,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
		tracer:     tracenoop.NewTracerProvider().Tracer(""),
		cascades:   counter,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Attach hands cascades off to s instead of running them inline.
func (o *Orchestrator) Attach(s Scheduler) {
	o.scheduler = s
}

// OnPaymentOutcome applies pending→completed or pending→failed. When the
// payment is already terminal nothing happens. Only the call that applies
// pending→completed triggers the cascade: scheduled when a Scheduler is
// attached, otherwise run inline with its error returned. A cascade error
// never reverts the payment transition.
func (o *Orchestrator) OnPaymentOutcome(ctx context.Context, orderID string, outcome order.Outcome) (*order.Order, error) {
	lg := zctx.From(ctx).With(zap.String("order_id", orderID), zap.String("outcome", string(outcome)))

	ord, applied, err := o.orders.TransitionPayment(ctx, orderID, outcome.Status(), o.now())
	if err != nil {
		return nil, errors.Wrap(err, "transition payment")
	}
	if !applied {
		lg.Info("Payment outcome ignored, order already settled",
			zap.String("payment_status", string(ord.Payment.Status)),
		)
		return ord, nil
	}
	lg.Info("Payment settled")
	if outcome != order.OutcomeCompleted {
		return ord, nil
	}

	if o.scheduler != nil {
		if !o.scheduler.Schedule(ord.ID) {
			lg.Warn("Fulfillment queue full, left for recovery sweep")
		}
		return ord, nil
	}

	if _, err := o.Fulfill(ctx, ord.ID); err != nil {
		return ord, err
	}
	return o.orders.Get(ctx, ord.ID)
}

// Fulfill claims the cascade of a paid order and runs it once. It returns
// the attempt number of this run, or zero when there was nothing to claim.
func (o *Orchestrator) Fulfill(ctx context.Context, orderID string) (int, error) {
	ord, claimed, err := o.orders.ClaimFulfillment(ctx, orderID, o.now().Add(-o.cfg.StaleAfter))
	if err != nil {
		return 0, errors.Wrap(err, "claim fulfillment")
	}
	if !claimed {
		return 0, nil
	}

	attempt := ord.Fulfillment.Attempts
	a, res, err := o.cascade(ctx, ord, "payment")
	if ferr := o.finish(ctx, ord.ID, attempt, a, res, err); ferr != nil {
		return attempt, ferr
	}
	return attempt, err
}

// Resend renders and notifies again for a paid order. It is not gated:
// every call sends real notifications. It does not claim the fulfillment
// record either, so when a worker runs the same order concurrently the last
// one to finish wins the recorded state and attempt count.
func (o *Orchestrator) Resend(ctx context.Context, orderID string) (*notify.Result, error) {
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if ord.Payment.Status != order.PaymentCompleted {
		return nil, order.ErrNotPaid
	}

	a, res, err := o.cascade(ctx, ord, "resend")
	if ferr := o.finish(ctx, ord.ID, ord.Fulfillment.Attempts+1, a, res, err); ferr != nil {
		return res, ferr
	}
	return res, err
}

// Artifact returns the stored document of a paid order, rendering and
// storing it when none exists yet.
func (o *Orchestrator) Artifact(ctx context.Context, orderID string) (*artifact.Artifact, error) {
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if ord.Payment.Status != order.PaymentCompleted {
		return nil, order.ErrNotPaid
	}

	a, err := o.artifacts.Latest(ctx, ord.ID)
	switch {
	case err == nil:
		return a, nil
	case !errors.Is(err, artifact.ErrNotFound):
		return nil, errors.Wrap(err, "load artifact")
	}

	a, err = o.renderer.Render(ctx, ord)
	if err != nil {
		return nil, errors.Wrap(err, "render")
	}
	if err := o.artifacts.Save(ctx, a); err != nil {
		zctx.From(ctx).Warn("Save rendered artifact", zap.String("order_id", ord.ID), zap.Error(err))
	}
	return a, nil
}

// Pending lists paid orders whose cascade still has to run.
func (o *Orchestrator) Pending(ctx context.Context) ([]string, error) {
	ids, err := o.orders.ListUnfulfilled(ctx, o.cfg.MaxAttempts, o.now().Add(-o.cfg.StaleAfter), o.cfg.SweepBatch)
	if err != nil {
		return nil, errors.Wrap(err, "list unfulfilled")
	}
	return ids, nil
}

// cascade renders then notifies. A render failure aborts before any
// notification is attempted.
func (o *Orchestrator) cascade(ctx context.Context, ord *order.Order, trigger string) (_ *artifact.Artifact, _ *notify.Result, err error) {
	ctx, span := o.tracer.Start(ctx, "fulfillment.cascade", trace.WithAttributes(
		attribute.String("order.id", ord.ID),
		attribute.String("trigger", trigger),
	))
	defer func() {
		result := "delivered"
		if err != nil {
			result = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.cascades.Add(ctx, 1, metric.WithAttributes(
			attribute.String("trigger", trigger),
			attribute.String("result", result),
		))
		span.End()
	}()

	a, err := o.renderer.Render(ctx, ord)
	if err != nil {
		return nil, nil, errors.Wrap(err, "render")
	}
	if err := o.artifacts.Save(ctx, a); err != nil {
		zctx.From(ctx).Warn("Save rendered artifact", zap.String("order_id", ord.ID), zap.Error(err))
	}

	res, err := o.dispatcher.DispatchAll(ctx, ord, a)
	if err != nil {
		return a, res, errors.Wrap(err, "dispatch")
	}
	return a, res, nil
}

func (o *Orchestrator) finish(ctx context.Context, orderID string, attempt int, a *artifact.Artifact, res *notify.Result, cascadeErr error) error {
	lg := zctx.From(ctx).With(zap.String("order_id", orderID), zap.Int("attempt", attempt))

	f := order.Fulfillment{State: order.FulfillmentDelivered, Attempts: attempt}
	if a != nil {
		f.ArtifactID = a.ID
	}
	if cascadeErr != nil {
		f.State = order.FulfillmentFailed
		f.LastError = cascadeErr.Error()
		lg.Error("Fulfillment failed", zap.Error(cascadeErr))
	} else {
		at := o.now().UTC()
		f.DeliveredAt = &at
		f.LastError = failedRecipients(res)
		lg.Info("Fulfillment delivered")
	}

	// Record the result even when the caller went away mid-cascade.
	if err := o.orders.FinishFulfillment(context.WithoutCancel(ctx), orderID, f); err != nil {
		return errors.Wrap(err, "record fulfillment")
	}
	return nil
}

func failedRecipients(res *notify.Result) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, out := range res.Failed() {
		parts = append(parts, string(out.Recipient)+": "+out.Err.Error())
	}
	return strings.Join(parts, "; ")
}
