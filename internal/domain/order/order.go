package order

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/gift-voucher/internal/apperr"
	"github.com/xenking/gift-voucher/internal/domain/voucher"
)

// PaymentStatus is the payment state of an order. Completed and failed are
// terminal.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Terminal reports whether no further payment transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// Outcome is a normalized payment result reported by the provider.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Status returns the payment status the outcome transitions to.
func (o Outcome) Status() PaymentStatus {
	if o == OutcomeCompleted {
		return PaymentCompleted
	}
	return PaymentFailed
}

// FulfillmentState tracks the render+notify cascade of a paid order.
type FulfillmentState string

const (
	// FulfillmentNone is the state of unpaid orders.
	FulfillmentNone FulfillmentState = "none"
	// FulfillmentQueued is set together with pending→completed.
	FulfillmentQueued FulfillmentState = "queued"
	// FulfillmentRunning is held by the worker executing the cascade.
	FulfillmentRunning FulfillmentState = "running"
	// FulfillmentDelivered means at least one recipient got the artifact.
	FulfillmentDelivered FulfillmentState = "delivered"
	// FulfillmentFailed means the last attempt failed; resend or a retry
	// may pick it up.
	FulfillmentFailed FulfillmentState = "failed"
)

var (
	// ErrNotFound is returned when no order matches the id.
	ErrNotFound = apperr.New(apperr.KindNotFound, "order_not_found", "order not found")
	// ErrAlreadyPaid is returned when a checkout is requested for an order
	// whose payment is no longer pending.
	ErrAlreadyPaid = apperr.New(apperr.KindConflict, "order_already_paid", "order payment is not pending").
			WithStatus(http.StatusBadRequest)
	// ErrNotPaid is returned by operations that need a completed payment.
	ErrNotPaid = apperr.New(apperr.KindState, "order_not_paid", "order payment is not completed").
			WithStatus(http.StatusBadRequest)
)

// Payment holds the payment details of an order.
type Payment struct {
	ExternalID string
	Provider   string
	Status     PaymentStatus
	PayerName  string
	PayerEmail string
	Amount     decimal.Decimal
	Currency   string
	PaidAt     *time.Time
}

// Fulfillment records the state of the cascade.
type Fulfillment struct {
	State       FulfillmentState
	Attempts    int
	LastError   string
	ArtifactID  string
	DeliveredAt *time.Time
}

// Order is a purchase of one voucher.
type Order struct {
	ID          string
	CustomerID  string
	VoucherID   string
	Payment     Payment
	Fulfillment Fulfillment
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create persists the order and its voucher atomically. It returns
	// voucher.ErrCodeConflict when the voucher code is already taken.
	Create(ctx context.Context, o *Order, v *voucher.Voucher) error
	Get(ctx context.Context, id string) (*Order, error)
	// AttachCheckout stores the provider reference while the payment is
	// pending. It returns ErrAlreadyPaid otherwise.
	AttachCheckout(ctx context.Context, id, externalID, provider string) error
	// TransitionPayment applies pending→status as one conditional write and
	// reports whether this call applied it. A transition to completed also
	// moves the fulfillment state to queued in the same write. When the
	// payment is already terminal the order is returned unchanged.
	TransitionPayment(ctx context.Context, id string, status PaymentStatus, at time.Time) (*Order, bool, error)
	// ClaimFulfillment moves a queued or failed cascade, or a running one
	// last touched before staleBefore, to running and increments attempts.
	// It reports false when there is nothing to claim.
	ClaimFulfillment(ctx context.Context, id string, staleBefore time.Time) (*Order, bool, error)
	// FinishFulfillment records the result of a cascade run.
	FinishFulfillment(ctx context.Context, id string, f Fulfillment) error
	// ListUnfulfilled returns ids of paid orders whose cascade is queued,
	// failed with fewer than maxAttempts attempts, or running but stale.
	ListUnfulfilled(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]string, error)
}
