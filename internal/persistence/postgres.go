package persistence

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied by Migrate. Snapshots are opaque blobs keyed by
// tenant; the engine never queries inside them.
const schema = `
CREATE TABLE IF NOT EXISTS tenant_snapshots (
    tenant_id  TEXT PRIMARY KEY,
    version    INT NOT NULL,
    data       BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore persists snapshots in Postgres via a pgx pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database. Pool sizing can be
// overridden with DB_MAX_OPEN_CONNS / DB_MAX_IDLE_CONNS.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &PostgresStore{db: pool}, nil
}

// Migrate applies the snapshot schema.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() {
	p.db.Close()
}

func (p *PostgresStore) Save(ctx context.Context, tenantID string, data []byte) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO tenant_snapshots (tenant_id, version, data, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (tenant_id) DO UPDATE SET version = $2, data = $3, updated_at = now()`,
		tenantID, FormatVersion, data,
	)
	if err != nil {
		return fmt.Errorf("save snapshot for tenant %s: %w", tenantID, err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, tenantID string) ([]byte, error) {
	var data []byte
	err := p.db.QueryRow(ctx,
		`SELECT data FROM tenant_snapshots WHERE tenant_id = $1`, tenantID,
	).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for tenant %s: %w", tenantID, err)
	}
	return data, nil
}

func (p *PostgresStore) Delete(ctx context.Context, tenantID string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM tenant_snapshots WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete snapshot for tenant %s: %w", tenantID, err)
	}
	return nil
}
