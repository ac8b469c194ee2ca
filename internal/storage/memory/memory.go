// Package memory implements the repositories on in-process maps. It backs
// tests and the single-node "memory" storage driver, and applies the same
// conditional-update semantics as the postgres package.
package memory

import (
	"sync"

	"github.com/xenking/gift-voucher/internal/artifact"
	"github.com/xenking/gift-voucher/internal/domain/catalog"
	"github.com/xenking/gift-voucher/internal/domain/order"
	"github.com/xenking/gift-voucher/internal/domain/voucher"
)

// DB is the shared state of all repositories. One mutex serializes writes so
// multi-entity updates are atomic.
type DB struct {
	mu sync.Mutex

	stores    map[string]*catalog.Store
	products  map[string]*catalog.Product
	customers map[string]*catalog.Customer

	vouchers map[string]*voucher.Voucher
	codes    map[string]string // code -> voucher id
	orders   map[string]*order.Order

	artifacts map[string][]*artifact.Artifact // order id -> saved, oldest first
}

// New returns an empty database.
func New() *DB {
	return &DB{
		stores:    make(map[string]*catalog.Store),
		products:  make(map[string]*catalog.Product),
		customers: make(map[string]*catalog.Customer),
		vouchers:  make(map[string]*voucher.Voucher),
		codes:     make(map[string]string),
		orders:    make(map[string]*order.Order),
		artifacts: make(map[string][]*artifact.Artifact),
	}
}

// Catalog returns the catalog repository view of db.
func (db *DB) Catalog() *Catalog { return &Catalog{db: db} }

// Vouchers returns the voucher repository view of db.
func (db *DB) Vouchers() *Vouchers { return &Vouchers{db: db} }

// Orders returns the order repository view of db.
func (db *DB) Orders() *Orders { return &Orders{db: db} }

// Artifacts returns the artifact store view of db.
func (db *DB) Artifacts() *Artifacts { return &Artifacts{db: db} }

func cloneVoucher(v *voucher.Voucher) *voucher.Voucher {
	c := *v
	if v.QRImage != nil {
		c.QRImage = append([]byte(nil), v.QRImage...)
	}
	if v.RedeemedAt != nil {
		t := *v.RedeemedAt
		c.RedeemedAt = &t
	}
	return &c
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	if o.Payment.PaidAt != nil {
		t := *o.Payment.PaidAt
		c.Payment.PaidAt = &t
	}
	if o.Fulfillment.DeliveredAt != nil {
		t := *o.Fulfillment.DeliveredAt
		c.Fulfillment.DeliveredAt = &t
	}
	return &c
}
