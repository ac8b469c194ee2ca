package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/gift-voucher/internal/domain/voucher"
)

var _ voucher.Repository = (*VoucherRepository)(nil)

const voucherColumns = `id, store_id, product_id, COALESCE(customer_id, ''), code, status, expires_at,
	qr_payload, qr_image, sender_name, sender_email, receiver_name, receiver_email,
	message, template, redeemed_at, created_at, updated_at`

// VoucherRepository implements voucher.Repository backed by PostgreSQL.
type VoucherRepository struct {
	pool *pgxpool.Pool
}

// NewVoucherRepository returns a VoucherRepository that uses the given pool.
func NewVoucherRepository(pool *pgxpool.Pool) *VoucherRepository {
	return &VoucherRepository{pool: pool}
}

func (r *VoucherRepository) Get(ctx context.Context, id string) (*voucher.Voucher, error) {
	v, err := scanVoucher(r.pool.QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, voucher.ErrNotFound
		}
		return nil, fmt.Errorf("getting voucher %q: %w", id, err)
	}
	return v, nil
}

func (r *VoucherRepository) GetByCode(ctx context.Context, code string) (*voucher.Voucher, error) {
	v, err := scanVoucher(r.pool.QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, voucher.ErrNotFound
		}
		return nil, fmt.Errorf("getting voucher by code: %w", err)
	}
	return v, nil
}

// MarkRedeemed applies active→redeemed as a single conditional update. When
// no row matches, the current row decides which error is reported.
func (r *VoucherRepository) MarkRedeemed(ctx context.Context, code string, now time.Time) (*voucher.Voucher, error) {
	v, err := scanVoucher(r.pool.QueryRow(ctx, `
		UPDATE vouchers SET status = 'redeemed', redeemed_at = $2, updated_at = $2
		WHERE code = $1 AND status = 'active' AND expires_at >= $2
		RETURNING `+voucherColumns, code, now.UTC()))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("redeeming voucher: %w", err)
	}

	cur, err := r.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if cur.Status != voucher.StatusRedeemed && cur.EffectiveStatus(now) == voucher.StatusExpired {
		return nil, voucher.ErrExpired
	}
	return nil, voucher.ErrInvalidState
}

func (r *VoucherRepository) MarkExpired(ctx context.Context, code string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE vouchers SET status = 'expired', updated_at = $2
		WHERE code = $1 AND status = 'active' AND expires_at < $2`, code, now.UTC())
	if err != nil {
		return fmt.Errorf("expiring voucher: %w", err)
	}
	return nil
}

func insertVoucher(ctx context.Context, q querier, v *voucher.Voucher) error {
	_, err := q.Exec(ctx, `
		INSERT INTO vouchers (id, store_id, product_id, customer_id, code, status, expires_at,
			qr_payload, qr_image, sender_name, sender_email, receiver_name, receiver_email,
			message, template, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`,
		v.ID, v.StoreID, v.ProductID, v.CustomerID, v.Code, string(v.Status), v.ExpiresAt,
		v.QRPayload, v.QRImage, v.Sender.Name, v.Sender.Email, v.Receiver.Name, v.Receiver.Email,
		v.Message, string(v.Template), v.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "vouchers_code_key") {
			return voucher.ErrCodeConflict
		}
		return fmt.Errorf("inserting voucher: %w", err)
	}
	return nil
}

func scanVoucher(row pgx.Row) (*voucher.Voucher, error) {
	var (
		v        voucher.Voucher
		status   string
		template string
	)
	err := row.Scan(
		&v.ID, &v.StoreID, &v.ProductID, &v.CustomerID, &v.Code, &status, &v.ExpiresAt,
		&v.QRPayload, &v.QRImage, &v.Sender.Name, &v.Sender.Email, &v.Receiver.Name, &v.Receiver.Email,
		&v.Message, &template, &v.RedeemedAt, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	v.Status = voucher.Status(status)
	v.Template = voucher.Template(template)
	return &v, nil
}
