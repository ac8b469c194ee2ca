package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/gift-voucher/internal/domain/order"
)

// Checkout opens checkout sessions for pending orders.
type Checkout struct {
	gateway Gateway
	orders  order.Repository
	urls    ReturnURLs
}

// NewCheckout returns a Checkout using the injected gateway.
func NewCheckout(gateway Gateway, orders order.Repository, urls ReturnURLs) *Checkout {
	return &Checkout{gateway: gateway, orders: orders, urls: urls}
}

// Start opens a provider session for the order and attaches the provider
// reference to it. Only pending orders can be checked out.
func (c *Checkout) Start(ctx context.Context, orderID string) (*Session, error) {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if o.Payment.Status != order.PaymentPending {
		return nil, order.ErrAlreadyPaid
	}

	s, err := c.gateway.CreateCheckout(ctx, o, c.urls)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout")
	}
	if err := c.orders.AttachCheckout(ctx, o.ID, s.ExternalRef, c.gateway.Provider()); err != nil {
		return nil, errors.Wrap(err, "attach checkout")
	}

	zctx.From(ctx).Info("Checkout session created",
		zap.String("order_id", o.ID),
		zap.String("external_ref", s.ExternalRef),
	)
	return s, nil
}
