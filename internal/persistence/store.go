// Package persistence implements the background write pipeline: a bounded
// in-memory queue, periodic bulk flush grouped by tenant, endpoint-metadata
// dedupe within a flush cycle, and a per-tenant connection cache.
package persistence

import (
	"context"
	"errors"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
)

// ErrInvalidSchema is returned by Store.Connect when the tenant's schema
// cannot be located or opened. The pipeline treats this as recoverable:
// it logs, increments a counter, and skips that tenant's records for the
// current cycle.
var ErrInvalidSchema = errors.New("persistence: invalid schema")

// Store is the per-tenant connection factory. Concrete implementations live
// in internal/persistence/relational.
type Store interface {
	// Connect opens (or reuses) a connection scoped to tenant's schema.
	Connect(ctx context.Context, tenant model.TenantID) (Conn, error)
}

// Conn is a single tenant-scoped connection, owned exclusively by the
// persistence task; ConnCache keeps it open across flush cycles, one batch
// at a time. It is never shared across tenants or across goroutines.
type Conn interface {
	// LookupOrInsertEndpoint returns the stable id for (url, method),
	// inserting a new row if one does not already exist. The insert runs in
	// the batch's own transaction: its id is visible to later statements in
	// the same batch, but it is not committed separately; it is committed
	// with the batch and discarded by a Rollback.
	LookupOrInsertEndpoint(ctx context.Context, key model.EndpointKey) (int64, error)

	// InsertWriteRecord inserts one request/response row referencing the
	// given endpoint id.
	InsertWriteRecord(ctx context.Context, endpointID int64, rec model.WriteRecord) error

	// Commit finalizes the current batch.
	Commit(ctx context.Context) error

	// Rollback aborts the current batch; called when any statement in it
	// fails, so other tenants in the same cycle are unaffected.
	Rollback(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
