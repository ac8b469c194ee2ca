package postgres

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/pgzip"

	"github.com/xenking/gift-voucher/internal/artifact"
)

var _ artifact.Store = (*ArtifactRepository)(nil)

// ArtifactRepository stores rendered documents gzip-compressed.
type ArtifactRepository struct {
	pool *pgxpool.Pool
}

// NewArtifactRepository returns an ArtifactRepository that uses the given pool.
func NewArtifactRepository(pool *pgxpool.Pool) *ArtifactRepository {
	return &ArtifactRepository{pool: pool}
}

func (r *ArtifactRepository) Save(ctx context.Context, a *artifact.Artifact) error {
	gz, err := compress(a.PDF)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO order_artifacts (id, order_id, file_name, pdf_gz, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.OrderID, a.FileName, gz, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving artifact for order %q: %w", a.OrderID, err)
	}
	return nil
}

func (r *ArtifactRepository) Latest(ctx context.Context, orderID string) (*artifact.Artifact, error) {
	var (
		a  artifact.Artifact
		gz []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, order_id, file_name, pdf_gz, created_at FROM order_artifacts
		WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID,
	).Scan(&a.ID, &a.OrderID, &a.FileName, &gz, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, artifact.ErrNotFound
		}
		return nil, fmt.Errorf("loading artifact for order %q: %w", orderID, err)
	}
	if a.PDF, err = decompress(gz); err != nil {
		return nil, err
	}
	return &a, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := pgzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "compress artifact")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "compress artifact")
	}
	return buf.Bytes(), nil
}

func decompress(gz []byte) ([]byte, error) {
	r, err := pgzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, errors.Wrap(err, "decompress artifact")
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "decompress artifact")
	}
	return data, nil
}
