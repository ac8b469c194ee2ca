package memory

import (
	"context"

	"github.com/xenking/gift-voucher/internal/domain/catalog"
)

var (
	_ catalog.Repository = (*Catalog)(nil)
	_ catalog.Writer     = (*Catalog)(nil)
)

// Catalog serves stores, products and customers.
type Catalog struct {
	db *DB
}

// PutStore inserts or replaces a store.
func (c *Catalog) PutStore(s catalog.Store) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.stores[s.ID] = &s
}

// PutProduct inserts or replaces a product.
func (c *Catalog) PutProduct(p catalog.Product) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.products[p.ID] = &p
}

// PutCustomer inserts or replaces a customer.
func (c *Catalog) PutCustomer(cu catalog.Customer) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.customers[cu.ID] = &cu
}

func (c *Catalog) UpsertStore(_ context.Context, s catalog.Store) error {
	c.PutStore(s)
	return nil
}

func (c *Catalog) UpsertProduct(_ context.Context, p catalog.Product) error {
	c.PutProduct(p)
	return nil
}

func (c *Catalog) UpsertCustomer(_ context.Context, cu catalog.Customer) error {
	c.PutCustomer(cu)
	return nil
}

func (c *Catalog) GetStore(_ context.Context, id string) (*catalog.Store, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	s, ok := c.db.stores[id]
	if !ok {
		return nil, catalog.ErrStoreNotFound
	}
	cp := *s
	return &cp, nil
}

func (c *Catalog) GetProduct(_ context.Context, id string) (*catalog.Product, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	p, ok := c.db.products[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (c *Catalog) GetCustomer(_ context.Context, id string) (*catalog.Customer, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	cu, ok := c.db.customers[id]
	if !ok {
		return nil, catalog.ErrCustomerNotFound
	}
	cp := *cu
	return &cp, nil
}
