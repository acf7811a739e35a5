// Package migrate applies the embedded SQL migrations.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/inkwell/migrations"
)

// Result summarizes a migration run.
type Result struct {
	Applied int   // migrations applied by this run
	Version int64 // schema version afterwards
}

// Up runs all pending migrations against dsn.
func Up(ctx context.Context, dsn string) (Result, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return Result{}, err
	}
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return Result{}, fmt.Errorf("goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("goose up: %w", err)
	}
	v, err := provider.GetDBVersion(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("goose version: %w", err)
	}
	return Result{Applied: len(results), Version: v}, nil
}
