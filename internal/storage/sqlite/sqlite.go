// Migrations init script: go run ./cmd/migrator --storage-path=./storage/authcore.db --migrations-path=./migrations
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	dsn := storagePath
	if strings.Contains(dsn, "?") {
		dsn += "&_busy_timeout=5000"
	} else {
		dsn += "?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping is the startup health check. The process must refuse to start when
// the store is unreachable; running without durable session storage would
// leave sessions that can never be revoked.
func (s *Storage) Ping(ctx context.Context) error {
	const op = "storage.sqlite.Ping"

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// DB exposes the handle for the migrator and the rate-limit backend that
// share this database.
func (s *Storage) DB() *sql.DB {
	return s.db
}
