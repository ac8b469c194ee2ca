package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/gift-voucher/internal/domain/catalog"
	"github.com/xenking/gift-voucher/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		catalogFile string
		dryRun      bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
	flag.BoolVar(&dryRun, "dry-run", false, "parse and check the catalog without touching the database")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, dryRun); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile string, dryRun bool) error {
	seed, err := loadCatalog(catalogFile)
	if err != nil {
		return err
	}
	if dryRun {
		slog.Info("catalog is valid, skipping database",
			slog.Int("stores", len(seed.Stores)),
			slog.Int("products", len(seed.Products)),
			slog.Int("customers", len(seed.Customers)),
		)
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seed.Apply(ctx, postgres.NewCatalogRepository(pool)); err != nil {
		return errors.Wrap(err, "seed catalog")
	}

	slog.Info("upserted catalog",
		slog.Int("stores", len(seed.Stores)),
		slog.Int("products", len(seed.Products)),
		slog.Int("customers", len(seed.Customers)),
	)

	return nil
}

// loadCatalog parses the seed file and rejects products whose store is not
// part of the same file.
func loadCatalog(path string) (*catalog.Seed, error) {
	slog.Info("reading catalog file", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog file")
	}
	seed, err := catalog.ParseSeed(data)
	if err != nil {
		return nil, err
	}

	stores := make(map[string]struct{}, len(seed.Stores))
	for _, s := range seed.Stores {
		stores[s.ID] = struct{}{}
	}
	for _, p := range seed.Products {
		if _, ok := stores[p.StoreID]; !ok {
			return nil, errors.Errorf("product %s references unknown store %q", p.ID, p.StoreID)
		}
		if !p.Price.IsPositive() {
			return nil, errors.Errorf("product %s must have a positive price", p.ID)
		}
	}
	return seed, nil
}
