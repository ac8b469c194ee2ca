// Package catalog holds the read-only store, product and customer references
// that vouchers point at. Their lifecycle is owned elsewhere.
package catalog

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xenking/gift-voucher/internal/apperr"
)

var (
	// ErrStoreNotFound is returned when a referenced store does not exist.
	ErrStoreNotFound = apperr.New(apperr.KindNotFound, "store_not_found", "store not found")
	// ErrProductNotFound is returned when a referenced product does not exist.
	ErrProductNotFound = apperr.New(apperr.KindNotFound, "product_not_found", "product not found")
	// ErrCustomerNotFound is returned when a referenced customer does not exist.
	ErrCustomerNotFound = apperr.New(apperr.KindNotFound, "customer_not_found", "customer not found")
)

// Store is a merchant that issues and redeems vouchers.
type Store struct {
	ID      string
	Name    string
	Email   string
	Address string
	Phone   string
}

// Product is a gift a voucher can be bought for.
type Product struct {
	ID          string
	StoreID     string
	Name        string
	Description string
	Price       decimal.Decimal
	// ValidityDays is how long a voucher for this product stays redeemable.
	// Zero means the service default.
	ValidityDays int
}

// Customer is a registered buyer.
type Customer struct {
	ID    string
	Name  string
	Email string
}

// Repository provides lookups by id.
type Repository interface {
	GetStore(ctx context.Context, id string) (*Store, error)
	GetProduct(ctx context.Context, id string) (*Product, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)
}
