package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"portfolio-guard/internal/storage"
)

// Open connects using a lib/pq connection string, e.g.
// "host=localhost port=5432 user=guard password=guard dbname=guard sslmode=disable".
func Open(ctx context.Context, dsn string) (*storage.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db, err := storage.New(ctx, conn, storage.Postgres)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}
