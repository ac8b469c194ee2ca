package voucher

import (
	"context"
	"net/http"
	"time"

	"github.com/xenking/gift-voucher/internal/apperr"
)

// Status is the stored redemption state of a voucher.
type Status string

const (
	StatusActive   Status = "active"
	StatusRedeemed Status = "redeemed"
	StatusExpired  Status = "expired"
)

// Template selects the artifact layout.
type Template string

const (
	TemplateClassic     Template = "classic"
	TemplateBirthday    Template = "birthday"
	TemplateCelebration Template = "celebration"
)

// Normalize maps unknown or empty selectors to the classic layout.
func (t Template) Normalize() Template {
	switch t {
	case TemplateClassic, TemplateBirthday, TemplateCelebration:
		return t
	default:
		return TemplateClassic
	}
}

var (
	// ErrNotFound is returned when no voucher matches the lookup.
	ErrNotFound = apperr.New(apperr.KindNotFound, "voucher_not_found", "voucher not found")
	// ErrExpired is returned when redeeming a voucher past its expiration date,
	// whatever its stored status.
	ErrExpired = apperr.New(apperr.KindState, "voucher_expired", "voucher expired").
			WithStatus(http.StatusGone)
	// ErrInvalidState is returned when the voucher is not active, which
	// covers an already redeemed voucher.
	ErrInvalidState = apperr.New(apperr.KindState, "voucher_not_active", "voucher already redeemed or not active")
	// ErrInvalidCode is returned for input that cannot be a voucher code.
	ErrInvalidCode = apperr.New(apperr.KindValidation, "voucher_code_invalid", "malformed voucher code")
	// ErrCodeConflict is returned by repositories when a code is already taken.
	ErrCodeConflict = apperr.New(apperr.KindConflict, "voucher_code_conflict", "voucher code already issued")
	// ErrCodeExhausted is returned when no unique code could be allocated.
	ErrCodeExhausted = apperr.New(apperr.KindInternal, "voucher_code_exhausted", "could not allocate a unique voucher code")
	// ErrGeneration is returned when the QR image could not be produced.
	ErrGeneration = apperr.New(apperr.KindInternal, "voucher_generation_failed", "voucher credential generation failed")
)

// Party identifies a sender or receiver of a gift.
type Party struct {
	Name  string
	Email string
}

// Voucher is a redeemable prepaid gift. It is referenced by exactly one order.
type Voucher struct {
	ID         string
	StoreID    string
	ProductID  string
	CustomerID string

	Code      string
	Status    Status
	ExpiresAt time.Time
	// QRPayload is the redemption URL encoded in the QR image.
	QRPayload string
	// QRImage is the PNG rendering of QRPayload.
	QRImage []byte

	Sender   Party
	Receiver Party
	Message  string
	Template Template

	RedeemedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Expired reports whether the voucher is past its expiration date at now.
func (v *Voucher) Expired(now time.Time) bool {
	return v.ExpiresAt.Before(now)
}

// EffectiveStatus derives the status a reader should see. Expiry is computed
// from ExpiresAt, the stored status may still read active.
func (v *Voucher) EffectiveStatus(now time.Time) Status {
	if v.Status == StatusRedeemed {
		return StatusRedeemed
	}
	if v.Status == StatusExpired || v.Expired(now) {
		return StatusExpired
	}
	return v.Status
}

// Repository defines persistence operations for vouchers. Vouchers are
// inserted together with their owning order by the order repository.
type Repository interface {
	Get(ctx context.Context, id string) (*Voucher, error)
	GetByCode(ctx context.Context, code string) (*Voucher, error)
	// MarkRedeemed atomically sets status=redeemed for the voucher with the
	// given code only if it is active and not expired at now. When the
	// condition does not hold it returns ErrExpired for an expired voucher,
	// ErrInvalidState otherwise, and ErrNotFound when the code is unknown.
	MarkRedeemed(ctx context.Context, code string, now time.Time) (*Voucher, error)
	// MarkExpired sets status=expired for an active voucher whose expiration
	// date is before now. It is a no-op otherwise.
	MarkExpired(ctx context.Context, code string, now time.Time) error
}
