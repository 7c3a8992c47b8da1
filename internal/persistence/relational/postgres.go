// Package relational implements persistence.Store against real SQL
// backends: PostgreSQL (lib/pq) for production tenants and SQLite
// (mattn/go-sqlite3) for local development. Each tenant is
// mapped to its own schema (Postgres) or its own database file (SQLite);
// within that scope there are exactly two tables: endpoint metadata,
// keyed by (normalized_url, method), and request/response rows carrying a
// foreign key to it.
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/persistence"

	_ "github.com/lib/pq"
)

var validSchemaName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// schemaForTenant derives a safe Postgres schema name from a tenant UUID.
// UUIDs contain hyphens, which are not valid in unquoted identifiers, so
// they are replaced with underscores and prefixed with a letter.
func schemaForTenant(tenant model.TenantID) (string, error) {
	name := "t_" + strings.ReplaceAll(tenant.String(), "-", "_")
	if !validSchemaName.MatchString(name) {
		return "", fmt.Errorf("%w: tenant id does not yield a safe schema name", persistence.ErrInvalidSchema)
	}
	return name, nil
}

// PostgresStore is the production persistence.Store backend. It opens one
// *sql.Tx per tenant per flush batch, scoped to that tenant's schema via
// search_path.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB. The caller is
// responsible for constructing db via sql.Open("postgres", dsn); this
// package only registers the driver via its blank import.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens a new transaction scoped to tenant's schema, creating the
// schema and its two tables if they do not yet exist.
func (s *PostgresStore) Connect(ctx context.Context, tenant model.TenantID) (persistence.Conn, error) {
	schema, err := schemaForTenant(tenant)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schema)); err != nil {
		return nil, fmt.Errorf("%w: create schema: %v", persistence.ErrInvalidSchema, err)
	}

	conn := &postgresConn{db: s.db, schema: schema}
	tx, err := conn.newTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", persistence.ErrInvalidSchema, err)
	}
	if err := ensureSchema(ctx, tx); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("%w: ensure schema: %v", persistence.ErrInvalidSchema, err)
	}
	conn.tx = tx
	return conn, nil
}

func ensureSchema(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS endpoint_metadata (
			id SERIAL PRIMARY KEY,
			normalized_url TEXT NOT NULL,
			method TEXT NOT NULL,
			UNIQUE (normalized_url, method)
		)`,
		`CREATE TABLE IF NOT EXISTS request_response (
			id SERIAL PRIMARY KEY,
			endpoint_id INTEGER NOT NULL REFERENCES endpoint_metadata(id),
			status_code INTEGER,
			request_headers_json TEXT NOT NULL,
			response_headers_json TEXT,
			error_kind TEXT,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// postgresConn is cached per tenant across many flush cycles; newTx opens a
// fresh transaction pinned to the tenant's schema via search_path each time
// one is needed (initial Connect, and again after every successful Commit,
// since the prior transaction is spent once committed).
type postgresConn struct {
	db     *sql.DB
	schema string
	tx     *sql.Tx
}

func (c *postgresConn) newTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET search_path TO %q`, c.schema)); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("set search_path: %w", err)
	}
	return tx, nil
}

func (c *postgresConn) LookupOrInsertEndpoint(ctx context.Context, key model.EndpointKey) (int64, error) {
	var id int64
	err := c.tx.QueryRowContext(ctx,
		`SELECT id FROM endpoint_metadata WHERE normalized_url = $1 AND method = $2`,
		key.NormalizedURL, key.Method,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("persistence: lookup endpoint: %w", err)
	}

	err = c.tx.QueryRowContext(ctx,
		`INSERT INTO endpoint_metadata (normalized_url, method) VALUES ($1, $2)
		 ON CONFLICT (normalized_url, method) DO UPDATE SET method = EXCLUDED.method
		 RETURNING id`,
		key.NormalizedURL, key.Method,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("persistence: insert endpoint: %w", err)
	}
	return id, nil
}

func (c *postgresConn) InsertWriteRecord(ctx context.Context, endpointID int64, rec model.WriteRecord) error {
	reqHeaders, err := headersJSON(rec.Request.Headers)
	if err != nil {
		return err
	}

	var statusCode sql.NullInt64
	var respHeaders sql.NullString
	var errKind, errMsg sql.NullString

	if rec.Response != nil {
		statusCode = sql.NullInt64{Int64: int64(rec.Response.StatusCode), Valid: true}
		rh, err := headersJSON(rec.Response.Headers)
		if err != nil {
			return err
		}
		respHeaders = sql.NullString{String: rh, Valid: true}
	}
	if rec.Error != nil {
		errKind = sql.NullString{String: rec.Error.Kind, Valid: true}
		errMsg = sql.NullString{String: rec.Error.Message, Valid: true}
	}

	_, err = c.tx.ExecContext(ctx,
		`INSERT INTO request_response
			(endpoint_id, status_code, request_headers_json, response_headers_json, error_kind, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		endpointID, statusCode, reqHeaders, respHeaders, errKind, errMsg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("persistence: insert write record: %w", err)
	}
	return nil
}

func (c *postgresConn) Commit(ctx context.Context) error {
	if err := c.tx.Commit(); err != nil {
		return err
	}
	tx, err := c.newTx(ctx)
	if err != nil {
		return fmt.Errorf("persistence: begin next batch tx: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *postgresConn) Rollback(ctx context.Context) error { return c.tx.Rollback() }
func (c *postgresConn) Close() error                       { return nil }

// headersJSON renders an ordered header list as deterministic JSON,
// preserving order (unlike a map) since duplicate header keys are legal.
func headersJSON(headers []model.Header) (string, error) {
	type pair struct {
		K string `json:"k"`
		V string `json:"v"`
	}
	out := make([]pair, 0, len(headers))
	for _, h := range headers {
		out = append(out, pair{K: string(h.Key), V: string(h.Value)})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("persistence: marshal headers: %w", err)
	}
	return string(b), nil
}
