package order

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/gift-voucher/internal/apperr"
	"github.com/xenking/gift-voucher/internal/domain/catalog"
	"github.com/xenking/gift-voucher/internal/domain/voucher"
)

const maxMessageLen = 500

// ValidationError describes malformed order input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Kind classifies the error for apperr.
func (e *ValidationError) Kind() apperr.Kind { return apperr.KindValidation }

// CreateRequest holds the input for buying a voucher.
type CreateRequest struct {
	StoreID    string
	ProductID  string
	CustomerID string
	// Amount defaults to the product price when zero.
	Amount   decimal.Decimal
	Currency string
	Payer    voucher.Party
	Sender   voucher.Party
	Receiver voucher.Party
	Message  string
	Template voucher.Template
}

// CreateResult is a freshly created order with its voucher.
type CreateResult struct {
	Order   *Order
	Voucher *voucher.Voucher
}

// ServiceConfig holds order creation settings.
type ServiceConfig struct {
	Currency string
	// Validity is the voucher lifetime when the product sets none.
	Validity time.Duration
	Codes    voucher.AllocateConfig
}

// Service creates orders in the pending payment state.
type Service struct {
	catalog catalog.Repository
	orders  Repository
	codes   *voucher.Generator
	cfg     ServiceConfig
	now     func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	cfg ServiceConfig,
	catalogRepo catalog.Repository,
	orders Repository,
	codes *voucher.Generator,
) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Validity <= 0 {
		cfg.Validity = 365 * 24 * time.Hour
	}
	return &Service{
		catalog: catalogRepo,
		orders:  orders,
		codes:   codes,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Create validates the request, resolves store and product, allocates a
// unique voucher code and persists Order(pending) with Voucher(active).
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	store, err := s.catalog.GetStore(ctx, req.StoreID)
	if err != nil {
		return nil, errors.Wrap(err, "get store")
	}
	product, err := s.catalog.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, errors.Wrap(err, "get product")
	}
	if product.StoreID != store.ID {
		return nil, &ValidationError{Field: "productId", Reason: "product is not sold by this store"}
	}
	if req.CustomerID != "" {
		if _, err := s.catalog.GetCustomer(ctx, req.CustomerID); err != nil {
			return nil, errors.Wrap(err, "get customer")
		}
	}

	amount := req.Amount
	if amount.IsZero() {
		amount = product.Price
	}
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}
	currency := req.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}

	now := s.now().UTC()
	validity := s.cfg.Validity
	if product.ValidityDays > 0 {
		validity = time.Duration(product.ValidityDays) * 24 * time.Hour
	}

	v := &voucher.Voucher{
		ID:         uuid.New().String(),
		StoreID:    store.ID,
		ProductID:  product.ID,
		CustomerID: req.CustomerID,
		Status:     voucher.StatusActive,
		ExpiresAt:  now.Add(validity),
		Sender:     req.Sender,
		Receiver:   req.Receiver,
		Message:    req.Message,
		Template:   req.Template.Normalize(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	o := &Order{
		ID:         uuid.New().String(),
		CustomerID: req.CustomerID,
		VoucherID:  v.ID,
		Payment: Payment{
			Status:     PaymentPending,
			PayerName:  req.Payer.Name,
			PayerEmail: req.Payer.Email,
			Amount:     amount.Round(2),
			Currency:   currency,
		},
		Fulfillment: Fulfillment{State: FulfillmentNone},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.codes.Allocate(ctx, s.cfg.Codes, func(ctx context.Context, c voucher.Credential) error {
		v.Code = c.Code
		v.QRPayload = c.QRPayload
		v.QRImage = c.QRImage
		return s.orders.Create(ctx, o, v)
	})
	if err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	zctx.From(ctx).Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("voucher_id", v.ID),
		zap.String("store_id", store.ID),
	)
	return &CreateResult{Order: o, Voucher: v}, nil
}

// Get returns the order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

func validate(req *CreateRequest) error {
	req.StoreID = strings.TrimSpace(req.StoreID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.StoreID == "" {
		return &ValidationError{Field: "storeId", Reason: "required"}
	}
	if req.ProductID == "" {
		return &ValidationError{Field: "productId", Reason: "required"}
	}
	if req.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}
	for field, addr := range map[string]*string{
		"payer.email":    &req.Payer.Email,
		"receiver.email": &req.Receiver.Email,
	} {
		parsed, err := mail.ParseAddress(strings.TrimSpace(*addr))
		if err != nil {
			return &ValidationError{Field: field, Reason: "must be a valid email address"}
		}
		*addr = parsed.Address
	}
	if req.Sender.Email != "" {
		parsed, err := mail.ParseAddress(strings.TrimSpace(req.Sender.Email))
		if err != nil {
			return &ValidationError{Field: "sender.email", Reason: "must be a valid email address"}
		}
		req.Sender.Email = parsed.Address
	}
	if strings.TrimSpace(req.Receiver.Name) == "" {
		return &ValidationError{Field: "receiver.name", Reason: "required"}
	}
	if len(req.Message) > maxMessageLen {
		return &ValidationError{Field: "message", Reason: fmt.Sprintf("at most %d characters", maxMessageLen)}
	}
	return nil
}
