package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
)

// BlobRepo implements BlobRepository using a bytea table.
type BlobRepo struct{ db *DB }

// NewBlobRepo constructs a blob repository.
func NewBlobRepo(db *DB) *BlobRepo { return &BlobRepo{db: db} }

// Put inserts or replaces a blob.
func (r *BlobRepo) Put(ctx context.Context, b model.Blob) error {
	const q = `
INSERT INTO blobs (path, content_type, data, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (path) DO UPDATE
SET content_type=EXCLUDED.content_type, data=EXCLUDED.data, updated_at=now()`
	_, err := r.db.Pool.Exec(ctx, q, b.Path, b.ContentType, b.Data)
	return err
}

// Get selects a blob by path.
func (r *BlobRepo) Get(ctx context.Context, path string) (*model.Blob, error) {
	const q = `SELECT path, content_type, data, updated_at FROM blobs WHERE path=$1`
	var b model.Blob
	if err := r.db.Pool.QueryRow(ctx, q, path).Scan(&b.Path, &b.ContentType, &b.Data, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}
