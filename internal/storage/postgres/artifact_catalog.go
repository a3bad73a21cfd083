// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/boostserve/internal/modelstore"
	"github.com/JakeFAU/boostserve/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CatalogConfig controls the Postgres connection pool used for artifact rows.
type CatalogConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ArtifactCatalog indexes model artifacts in a Postgres table.
type ArtifactCatalog struct {
	pool  querier
	table string
}

var _ modelstore.Catalog = (*ArtifactCatalog)(nil)

// NewArtifactCatalog connects to Postgres and ensures the catalog table exists.
func NewArtifactCatalog(ctx context.Context, cfg CatalogConfig) (*ArtifactCatalog, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("catalog.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	catalog := &ArtifactCatalog{pool: pool, table: table}
	if err := catalog.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return catalog, nil
}

// NewArtifactCatalogWithPool constructs a catalog from an existing pool (primarily for testing).
func NewArtifactCatalogWithPool(pool querier, table string) (*ArtifactCatalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ArtifactCatalog{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "model_artifacts"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (c *ArtifactCatalog) Close() {
	if c == nil || c.pool == nil {
		return
	}
	c.pool.Close()
}

// EnsureSchema creates the catalog table when missing.
func (c *ArtifactCatalog) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	name       TEXT        NOT NULL,
	version    INTEGER     NOT NULL,
	path       TEXT        NOT NULL,
	uri        TEXT        NOT NULL,
	checksum   TEXT        NOT NULL,
	trained_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (name, version)
)`, c.table)
	if _, err := c.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create catalog table: %w", err)
	}
	return nil
}

// Reserve returns the next version for name.
func (c *ArtifactCatalog) Reserve(ctx context.Context, name string) (int, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) + 1 FROM %s WHERE name = $1`, c.table)
	var version int
	if err := c.pool.QueryRow(ctx, query, name).Scan(&version); err != nil {
		return 0, fmt.Errorf("select next version: %w", err)
	}
	return version, nil
}

// Record inserts an artifact row. A duplicate (name, version) is rejected by
// the primary key.
func (c *ArtifactCatalog) Record(ctx context.Context, entry modelstore.Entry) error {
	query := fmt.Sprintf(`
INSERT INTO %s (name, version, path, uri, checksum, trained_at)
VALUES ($1,$2,$3,$4,$5,$6)`, c.table)
	_, err := c.pool.Exec(ctx, query,
		entry.Name,
		entry.Version,
		entry.Path,
		entry.URI,
		entry.Checksum,
		entry.TrainedAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// Lookup resolves a single artifact row.
func (c *ArtifactCatalog) Lookup(ctx context.Context, name string, version int) (modelstore.Entry, error) {
	var (
		row   pgx.Row
		ident string
	)
	if version == modelstore.Latest {
		ident = name + ":latest"
		row = c.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT name, version, path, uri, checksum, trained_at FROM %s
WHERE name = $1 ORDER BY version DESC LIMIT 1`, c.table), name)
	} else {
		ident = modelstore.Tag(name, version)
		row = c.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT name, version, path, uri, checksum, trained_at FROM %s
WHERE name = $1 AND version = $2`, c.table), name, version)
	}
	var e modelstore.Entry
	err := row.Scan(&e.Name, &e.Version, &e.Path, &e.URI, &e.Checksum, &e.TrainedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return modelstore.Entry{}, &pipeline.ModelNotFoundError{Identifier: ident}
	}
	if err != nil {
		return modelstore.Entry{}, fmt.Errorf("select artifact: %w", err)
	}
	return e, nil
}

// List returns every artifact row ordered by name and version.
func (c *ArtifactCatalog) List(ctx context.Context) ([]modelstore.Entry, error) {
	rows, err := c.pool.Query(ctx, fmt.Sprintf(`
SELECT name, version, path, uri, checksum, trained_at FROM %s
ORDER BY name, version`, c.table))
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var entries []modelstore.Entry
	for rows.Next() {
		var e modelstore.Entry
		if err := rows.Scan(&e.Name, &e.Version, &e.Path, &e.URI, &e.Checksum, &e.TrainedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return entries, nil
}
