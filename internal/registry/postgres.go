package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresRegistry reads installations from the shared installations table
// that the app-install flow writes to.
type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry { return &PostgresRegistry{db: db} }

// OpenPostgres connects to the registry database and verifies the
// connection before returning.
func OpenPostgres(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping registry database: %w", err)
	}
	return db, nil
}

func (r *PostgresRegistry) InstallationFor(ctx context.Context, owner, repo string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		SELECT installation_id
		FROM installations
		WHERE lower(owner) = lower($1) AND lower(repo) = lower($2)
		ORDER BY created_at DESC
		LIMIT 1
	`, owner, repo).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s/%s: %w", owner, repo, ErrNotInstalled)
	}
	if err != nil {
		return 0, fmt.Errorf("query installation for %s/%s: %w", owner, repo, err)
	}
	return id, nil
}
