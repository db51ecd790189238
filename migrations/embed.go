// Package migrations встраивает SQL-миграции в бинарник API.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgconn"
)

// Files содержит все .sql файлы из этой директории; применяются по имени (001, 002, ...).
//
//go:embed *.sql
var Files embed.FS

// Execer - *pgxpool.Pool или pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Apply выполняет все миграции по порядку имён. Миграции идемпотентны, повторный запуск безопасен.
// Возвращает число применённых файлов.
func Apply(ctx context.Context, db Execer) (int, error) {
	files, err := fs.Glob(Files, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}
	for _, f := range files {
		data, err := fs.ReadFile(Files, f)
		if err != nil {
			return 0, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := db.Exec(ctx, string(data)); err != nil {
			return 0, fmt.Errorf("run migration %s: %w", f, err)
		}
	}
	return len(files), nil
}
