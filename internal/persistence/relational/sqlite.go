package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/persistence"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the local-development persistence.Store backend: one
// SQLite database file per tenant, opened lazily via pathFor. There is no
// schema/search_path concept in SQLite, so tenant isolation is physical
// file separation instead.
type SQLiteStore struct {
	pathFor func(tenant model.TenantID) (string, error)
}

// NewSQLiteStore builds a store whose per-tenant database file path is
// produced by pathFor (e.g. filepath.Join(dataDir, tenant+".db")).
func NewSQLiteStore(pathFor func(tenant model.TenantID) (string, error)) *SQLiteStore {
	return &SQLiteStore{pathFor: pathFor}
}

func (s *SQLiteStore) Connect(ctx context.Context, tenant model.TenantID) (persistence.Conn, error) {
	path, err := s.pathFor(tenant)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrInvalidSchema, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", persistence.ErrInvalidSchema, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %v", persistence.ErrInvalidSchema, err)
	}

	if err := ensureSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ensure schema: %v", persistence.ErrInvalidSchema, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: begin tx: %v", persistence.ErrInvalidSchema, err)
	}
	return &sqliteConn{db: db, tx: tx}, nil
}

// beginNext opens the transaction for the next flush batch. The conncache
// keeps one Conn per tenant alive across many flush cycles, so each
// Commit must leave a fresh transaction ready behind it rather than
// leaving the cached Conn holding a spent one.
func (c *sqliteConn) beginNext(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin next batch tx: %w", err)
	}
	c.tx = tx
	return nil
}

func ensureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS endpoint_metadata (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			normalized_url TEXT NOT NULL,
			method TEXT NOT NULL,
			UNIQUE (normalized_url, method)
		)`,
		`CREATE TABLE IF NOT EXISTS request_response (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			endpoint_id INTEGER NOT NULL REFERENCES endpoint_metadata(id),
			status_code INTEGER,
			request_headers_json TEXT NOT NULL,
			response_headers_json TEXT,
			error_kind TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

type sqliteConn struct {
	db *sql.DB
	tx *sql.Tx
}

func (c *sqliteConn) LookupOrInsertEndpoint(ctx context.Context, key model.EndpointKey) (int64, error) {
	var id int64
	err := c.tx.QueryRowContext(ctx,
		`SELECT id FROM endpoint_metadata WHERE normalized_url = ? AND method = ?`,
		key.NormalizedURL, key.Method,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("persistence: lookup endpoint: %w", err)
	}

	res, err := c.tx.ExecContext(ctx,
		`INSERT INTO endpoint_metadata (normalized_url, method) VALUES (?, ?)`,
		key.NormalizedURL, key.Method,
	)
	if err != nil {
		return 0, fmt.Errorf("persistence: insert endpoint: %w", err)
	}
	return res.LastInsertId()
}

func (c *sqliteConn) InsertWriteRecord(ctx context.Context, endpointID int64, rec model.WriteRecord) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		endpointID, statusCode, reqHeaders, respHeaders, errKind, errMsg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("persistence: insert write record: %w", err)
	}
	return nil
}

func (c *sqliteConn) Commit(ctx context.Context) error {
	if err := c.tx.Commit(); err != nil {
		return err
	}
	return c.beginNext(ctx)
}

func (c *sqliteConn) Rollback(ctx context.Context) error { return c.tx.Rollback() }
func (c *sqliteConn) Close() error                       { return c.db.Close() }
