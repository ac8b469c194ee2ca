package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/gift-voucher/internal/domain/order"
	"github.com/xenking/gift-voucher/internal/domain/voucher"
)

var _ order.Repository = (*OrderRepository)(nil)

const orderColumns = `id, COALESCE(customer_id, ''), voucher_id, external_payment_id, provider,
	payment_status, payer_name, payer_email, amount, currency, paid_at,
	fulfillment_state, fulfillment_attempts, fulfillment_error, artifact_id, delivered_at,
	created_at, updated_at`

// claimable matches cascades a worker may take over. $2 is the staleness
// cut-off for running cascades.
const claimable = `payment_status = 'completed' AND (
	fulfillment_state IN ('queued', 'failed')
	OR (fulfillment_state = 'running' AND updated_at < $2))`

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create inserts the voucher and the order in one transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order, v *voucher.Voucher) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertVoucher(ctx, tx, v); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, customer_id, voucher_id, payment_status, payer_name, payer_email,
			amount, currency, fulfillment_state, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		o.ID, o.CustomerID, o.VoucherID, string(o.Payment.Status), o.Payment.PayerName, o.Payment.PayerEmail,
		o.Payment.Amount, o.Payment.Currency, string(o.Fulfillment.State), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing order %q: %w", o.ID, err)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return o, nil
}

func (r *OrderRepository) AttachCheckout(ctx context.Context, id, externalID, provider string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders SET external_payment_id = $2, provider = $3, updated_at = now()
		WHERE id = $1 AND payment_status = 'pending'`, id, externalID, provider)
	if err != nil {
		return fmt.Errorf("attaching checkout to order %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return order.ErrAlreadyPaid
}

// TransitionPayment is the idempotency gate of the cascade: the WHERE clause
// lets exactly one caller move the order out of pending.
func (r *OrderRepository) TransitionPayment(ctx context.Context, id string, status order.PaymentStatus, at time.Time) (*order.Order, bool, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `
		UPDATE orders SET
			payment_status = $2,
			paid_at = CASE WHEN $2 = 'completed' THEN $3 ELSE paid_at END,
			fulfillment_state = CASE WHEN $2 = 'completed' THEN 'queued' ELSE fulfillment_state END,
			updated_at = $3
		WHERE id = $1 AND payment_status = 'pending'
		RETURNING `+orderColumns, id, string(status), at.UTC()))
	if err == nil {
		return o, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("transitioning order %q: %w", id, err)
	}
	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

func (r *OrderRepository) ClaimFulfillment(ctx context.Context, id string, staleBefore time.Time) (*order.Order, bool, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `
		UPDATE orders SET
			fulfillment_state = 'running',
			fulfillment_attempts = fulfillment_attempts + 1,
			updated_at = now()
		WHERE id = $1 AND `+claimable+`
		RETURNING `+orderColumns, id, staleBefore.UTC()))
	if err == nil {
		return o, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("claiming order %q: %w", id, err)
	}
	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

func (r *OrderRepository) FinishFulfillment(ctx context.Context, id string, f order.Fulfillment) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders SET
			fulfillment_state = $2,
			fulfillment_attempts = $3,
			fulfillment_error = $4,
			artifact_id = $5,
			delivered_at = COALESCE($6, delivered_at),
			updated_at = now()
		WHERE id = $1`,
		id, string(f.State), f.Attempts, f.LastError, f.ArtifactID, f.DeliveredAt)
	if err != nil {
		return fmt.Errorf("finishing fulfillment of order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) ListUnfulfilled(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM orders
		WHERE `+claimable+`
			AND (fulfillment_state = 'queued' OR fulfillment_attempts < $1)
		ORDER BY updated_at
		LIMIT $3`, maxAttempts, staleBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing unfulfilled orders: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning unfulfilled orders: %w", err)
	}
	return ids, nil
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o           order.Order
		status      string
		fulfillment string
	)
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.VoucherID, &o.Payment.ExternalID, &o.Payment.Provider,
		&status, &o.Payment.PayerName, &o.Payment.PayerEmail, &o.Payment.Amount, &o.Payment.Currency, &o.Payment.PaidAt,
		&fulfillment, &o.Fulfillment.Attempts, &o.Fulfillment.LastError, &o.Fulfillment.ArtifactID, &o.Fulfillment.DeliveredAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Payment.Status = order.PaymentStatus(status)
	o.Fulfillment.State = order.FulfillmentState(fulfillment)
	return &o, nil
}
