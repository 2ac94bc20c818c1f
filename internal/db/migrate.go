// Package db owns the Postgres schema. Migrations are embedded in the binary
// and applied at startup.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the embedded migration files.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrate applies every pending migration and returns how many ran.
//
// NOTE: the goose provider is not closed; Close would close db.
func Migrate(ctx context.Context, db *sql.DB, log *slog.Logger) (int, error) {
	p, err := goose.NewProvider(goose.DialectPostgres, db, Migrations())
	if err != nil {
		return 0, fmt.Errorf("db: migration provider: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("db: migrate up: %w", err)
	}
	if log != nil {
		for _, r := range results {
			log.InfoContext(ctx, "migration applied",
				slog.String("path", r.Source.Path),
				slog.Int64("version", r.Source.Version),
				slog.Duration("took", r.Duration),
			)
		}
	}
	return len(results), nil
}
