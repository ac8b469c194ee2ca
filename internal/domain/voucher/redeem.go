package voucher

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/gift-voucher/internal/apperr"
)

// Redeemer applies one-time voucher consumption.
type Redeemer struct {
	repo     Repository
	now      func() time.Time
	attempts metric.Int64Counter
}

// RedeemerOption configures a Redeemer.
type RedeemerOption func(*Redeemer)

// WithMeterProvider counts redemption attempts by result code.
func WithMeterProvider(mp metric.MeterProvider) RedeemerOption {
	return func(r *Redeemer) {
		c, err := mp.Meter("voucher/redeem").Int64Counter("voucher.redemptions",
			metric.WithDescription("Redemption attempts by result"),
		)
		if err == nil {
			r.attempts = c
		}
	}
}

// NewRedeemer creates a Redeemer backed by repo.
func NewRedeemer(repo Repository, opts ...RedeemerOption) *Redeemer {
	counter, _ := noop.NewMeterProvider().Meter("").Int64Counter("")
	r := &Redeemer{repo: repo, now: time.Now, attempts: counter}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Redeem consumes the voucher identified by code.
//
// Expiry wins over stored status: a voucher past its expiration date yields
// ErrExpired even when it was already redeemed. Otherwise a non-active
// voucher yields ErrInvalidState. The active→redeemed step is a single
// conditional write, so of two concurrent callers exactly one succeeds.
func (r *Redeemer) Redeem(ctx context.Context, code string) (_ *Voucher, err error) {
	defer func() {
		result := "redeemed"
		if err != nil {
			result = apperr.CodeOf(err)
		}
		r.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}()

	code, err = NormalizeCode(code)
	if err != nil {
		return nil, err
	}

	v, err := r.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "lookup voucher")
	}

	now := r.now()
	if v.Expired(now) {
		r.expire(ctx, v, now)
		return nil, ErrExpired
	}
	if v.Status != StatusActive {
		return nil, ErrInvalidState
	}

	redeemed, err := r.repo.MarkRedeemed(ctx, code, now)
	if err != nil {
		if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrExpired) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(err, "mark redeemed")
	}

	zctx.From(ctx).Info("Voucher redeemed",
		zap.String("voucher_id", redeemed.ID),
		zap.String("store_id", redeemed.StoreID),
	)
	return redeemed, nil
}

// Lookup returns the voucher for code without changing it.
func (r *Redeemer) Lookup(ctx context.Context, code string) (*Voucher, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	v, err := r.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "lookup voucher")
	}
	return v, nil
}

// Now returns the redeemer's clock reading, used to compute effective status.
func (r *Redeemer) Now() time.Time {
	return r.now()
}

// expire records the time-derived transition. Failure only delays the stored
// status catching up, the caller already gets ErrExpired.
func (r *Redeemer) expire(ctx context.Context, v *Voucher, now time.Time) {
	if v.Status != StatusActive {
		return
	}
	if err := r.repo.MarkExpired(ctx, v.Code, now); err != nil {
		zctx.From(ctx).Warn("Mark voucher expired",
			zap.String("voucher_id", v.ID),
			zap.Error(err),
		)
	}
}
