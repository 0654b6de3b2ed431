// Package migrations embeds the goose SQL migrations for the service schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

// FS holds every *.sql migration, applied in filename order.
//
//go:embed *.sql
var FS embed.FS

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}

// Run executes a goose command (up, down, status, version, redo, ...)
// against the embedded migrations.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
