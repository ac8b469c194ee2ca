// Package payment adapts the external payment provider: it opens checkout
// sessions and normalizes provider callbacks into payment events.
package payment

import (
	"context"

	"github.com/xenking/gift-voucher/internal/domain/order"
)

// Event is a normalized, resolvable payment notification.
type Event struct {
	OrderID    string
	Outcome    order.Outcome
	ExternalID string
	Provider   string
}

// ReturnURLs are the pages the provider redirects the payer to.
type ReturnURLs struct {
	Success string
	Failure string
	Pending string
}

// Session is an opened checkout session.
type Session struct {
	CheckoutURL string
	ExternalRef string
}

// Gateway is the payment provider adapter.
type Gateway interface {
	// Provider names the provider stored on orders.
	Provider() string
	// CreateCheckout requests a checkout session for the order. It has no
	// side effects on local state.
	CreateCheckout(ctx context.Context, o *order.Order, urls ReturnURLs) (*Session, error)
	// Ingest resolves a callback into an Event. It returns nil for
	// irrelevant topics, unresolvable references and malformed input, and
	// never panics.
	Ingest(ctx context.Context, topic, externalID string) *Event
}

// Provider payment statuses.
const (
	statusApproved    = "approved"
	statusRejected    = "rejected"
	statusCancelled   = "cancelled"
	statusRefunded    = "refunded"
	statusChargedBack = "charged_back"
)

// outcomeOf maps a provider payment status to an outcome. Statuses that are
// not final report false.
func outcomeOf(status string) (order.Outcome, bool) {
	switch status {
	case statusApproved:
		return order.OutcomeCompleted, true
	case statusRejected, statusCancelled, statusRefunded, statusChargedBack:
		return order.OutcomeFailed, true
	default:
		return "", false
	}
}
