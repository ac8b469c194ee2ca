package memory

import (
	"context"
	"time"

	"github.com/xenking/gift-voucher/internal/domain/voucher"
)

var _ voucher.Repository = (*Vouchers)(nil)

// Vouchers is the voucher repository.
type Vouchers struct {
	db *DB
}

func (r *Vouchers) Get(_ context.Context, id string) (*voucher.Voucher, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	v, ok := r.db.vouchers[id]
	if !ok {
		return nil, voucher.ErrNotFound
	}
	return cloneVoucher(v), nil
}

func (r *Vouchers) GetByCode(_ context.Context, code string) (*voucher.Voucher, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	v, ok := r.byCode(code)
	if !ok {
		return nil, voucher.ErrNotFound
	}
	return cloneVoucher(v), nil
}

func (r *Vouchers) MarkRedeemed(_ context.Context, code string, now time.Time) (*voucher.Voucher, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	v, ok := r.byCode(code)
	switch {
	case !ok:
		return nil, voucher.ErrNotFound
	case v.Status == voucher.StatusRedeemed:
		return nil, voucher.ErrInvalidState
	case v.Status == voucher.StatusExpired || v.Expired(now):
		return nil, voucher.ErrExpired
	case v.Status != voucher.StatusActive:
		return nil, voucher.ErrInvalidState
	}
	at := now.UTC()
	v.Status = voucher.StatusRedeemed
	v.RedeemedAt = &at
	v.UpdatedAt = at
	return cloneVoucher(v), nil
}

func (r *Vouchers) MarkExpired(_ context.Context, code string, now time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	v, ok := r.byCode(code)
	if !ok || v.Status != voucher.StatusActive || !v.Expired(now) {
		return nil
	}
	v.Status = voucher.StatusExpired
	v.UpdatedAt = now.UTC()
	return nil
}

// byCode must be called with the lock held.
func (r *Vouchers) byCode(code string) (*voucher.Voucher, bool) {
	id, ok := r.db.codes[code]
	if !ok {
		return nil, false
	}
	v, ok := r.db.vouchers[id]
	return v, ok
}
