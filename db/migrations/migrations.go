// Package migrations embeds the Job Store/Module Registry's Postgres
// schema and applies it via goose, so a single binary can migrate itself
// without a separate SQL file deployment step.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	"github.com/cuemby/scanorc/internal/apperrors"
)

//go:embed *.sql
var FS embed.FS

func init() {
	goose.SetBaseFS(FS)
}

// Up applies every pending migration.
func Up(db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return apperrors.Wrap(err, "migrate: set dialect")
	}
	if err := goose.Up(db, "."); err != nil {
		return apperrors.Wrapf(apperrors.ErrInfrastructure, "migrate up: %v", err)
	}
	return nil
}

// Status reports the current migration version without applying anything.
func Status(db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return apperrors.Wrap(err, "migrate: set dialect")
	}
	return goose.Status(db, ".")
}

// Down rolls back the most recently applied migration.
func Down(db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return apperrors.Wrap(err, "migrate: set dialect")
	}
	if err := goose.Down(db, "."); err != nil {
		return apperrors.Wrapf(apperrors.ErrInfrastructure, "migrate down: %v", err)
	}
	return nil
}
