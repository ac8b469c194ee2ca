package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xenking/gift-voucher/internal/domain/order"
	"github.com/xenking/gift-voucher/internal/domain/voucher"
)

var _ order.Repository = (*Orders)(nil)

// Orders is the order repository.
type Orders struct {
	db *DB
}

func (r *Orders) Create(_ context.Context, o *order.Order, v *voucher.Voucher) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, taken := r.db.codes[v.Code]; taken {
		return voucher.ErrCodeConflict
	}
	r.db.vouchers[v.ID] = cloneVoucher(v)
	r.db.codes[v.Code] = v.ID
	r.db.orders[o.ID] = cloneOrder(o)
	return nil
}

func (r *Orders) Get(_ context.Context, id string) (*order.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (r *Orders) AttachCheckout(_ context.Context, id, externalID, provider string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.Payment.Status != order.PaymentPending {
		return order.ErrAlreadyPaid
	}
	o.Payment.ExternalID = externalID
	o.Payment.Provider = provider
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Orders) TransitionPayment(_ context.Context, id string, status order.PaymentStatus, at time.Time) (*order.Order, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok {
		return nil, false, order.ErrNotFound
	}
	if o.Payment.Status != order.PaymentPending {
		return cloneOrder(o), false, nil
	}
	at = at.UTC()
	o.Payment.Status = status
	o.UpdatedAt = at
	if status == order.PaymentCompleted {
		o.Payment.PaidAt = &at
		o.Fulfillment.State = order.FulfillmentQueued
	}
	return cloneOrder(o), true, nil
}

func (r *Orders) ClaimFulfillment(_ context.Context, id string, staleBefore time.Time) (*order.Order, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok {
		return nil, false, order.ErrNotFound
	}
	if o.Payment.Status != order.PaymentCompleted || !claimable(o, staleBefore) {
		return cloneOrder(o), false, nil
	}
	o.Fulfillment.State = order.FulfillmentRunning
	o.Fulfillment.Attempts++
	o.UpdatedAt = time.Now().UTC()
	return cloneOrder(o), true, nil
}

func (r *Orders) FinishFulfillment(_ context.Context, id string, f order.Fulfillment) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Fulfillment = f
	if f.DeliveredAt != nil {
		t := *f.DeliveredAt
		o.Fulfillment.DeliveredAt = &t
	}
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Orders) ListUnfulfilled(_ context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var pending []*order.Order
	for _, o := range r.db.orders {
		if o.Payment.Status != order.PaymentCompleted || !claimable(o, staleBefore) {
			continue
		}
		if o.Fulfillment.State != order.FulfillmentQueued && o.Fulfillment.Attempts >= maxAttempts {
			continue
		}
		pending = append(pending, o)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].UpdatedAt.Before(pending[j].UpdatedAt)
	})
	ids := make([]string, 0, len(pending))
	for _, o := range pending {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func claimable(o *order.Order, staleBefore time.Time) bool {
	switch o.Fulfillment.State {
	case order.FulfillmentQueued, order.FulfillmentFailed:
		return true
	case order.FulfillmentRunning:
		return o.UpdatedAt.Before(staleBefore)
	default:
		return false
	}
}
