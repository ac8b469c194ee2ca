package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/gift-voucher/internal/domain/catalog"
)

var (
	_ catalog.Repository = (*CatalogRepository)(nil)
	_ catalog.Writer     = (*CatalogRepository)(nil)
)

// CatalogRepository provides read-only store, product and customer lookups.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

func (r *CatalogRepository) GetStore(ctx context.Context, id string) (*catalog.Store, error) {
	var s catalog.Store
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, email, address, phone FROM stores WHERE id = $1`, id,
	).Scan(&s.ID, &s.Name, &s.Email, &s.Address, &s.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrStoreNotFound
		}
		return nil, fmt.Errorf("getting store %q: %w", id, err)
	}
	return &s, nil
}

func (r *CatalogRepository) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	var p catalog.Product
	err := r.pool.QueryRow(ctx,
		`SELECT id, store_id, name, description, price, validity_days FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.StoreID, &p.Name, &p.Description, &p.Price, &p.ValidityDays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrProductNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

func (r *CatalogRepository) GetCustomer(ctx context.Context, id string) (*catalog.Customer, error) {
	var c catalog.Customer
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, email FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrCustomerNotFound
		}
		return nil, fmt.Errorf("getting customer %q: %w", id, err)
	}
	return &c, nil
}

// UpsertStore inserts or updates a store. It is used by the seeding tool.
func (r *CatalogRepository) UpsertStore(ctx context.Context, s catalog.Store) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO stores (id, name, email, address, phone) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = $2, email = $3, address = $4, phone = $5`,
		s.ID, s.Name, s.Email, s.Address, s.Phone,
	)
	if err != nil {
		return fmt.Errorf("upserting store %q: %w", s.ID, err)
	}
	return nil
}

// UpsertProduct inserts or updates a product.
func (r *CatalogRepository) UpsertProduct(ctx context.Context, p catalog.Product) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO products (id, store_id, name, description, price, validity_days) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET store_id = $2, name = $3, description = $4, price = $5, validity_days = $6`,
		p.ID, p.StoreID, p.Name, p.Description, p.Price, p.ValidityDays,
	)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

// UpsertCustomer inserts or updates a customer.
func (r *CatalogRepository) UpsertCustomer(ctx context.Context, c catalog.Customer) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO customers (id, name, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = $2, email = $3`,
		c.ID, c.Name, c.Email,
	)
	if err != nil {
		return fmt.Errorf("upserting customer %q: %w", c.ID, err)
	}
	return nil
}
