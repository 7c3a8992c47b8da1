package persistence

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
)

// ConnCache holds exactly one open Conn per tenant, owned exclusively by the
// persistence task. It is a single-resource-per-key simplification of a
// generic homogeneous connection pool: there is no acquire/release dance
// here because only one goroutine (the flush cycle) ever touches a tenant's
// connection.
type ConnCache struct {
	store Store

	mu    sync.Mutex
	conns map[model.TenantID]Conn

	hits   atomic.Int64
	misses atomic.Int64
}

// NewConnCache wraps store with a per-tenant connection cache.
func NewConnCache(store Store) *ConnCache {
	return &ConnCache{store: store, conns: make(map[model.TenantID]Conn)}
}

// Get returns the cached connection for tenant, opening one via the Store
// factory on first use.
func (c *ConnCache) Get(ctx context.Context, tenant model.TenantID) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[tenant]; ok {
		c.hits.Add(1)
		return conn, nil
	}
	c.misses.Add(1)
	conn, err := c.store.Connect(ctx, tenant)
	if err != nil {
		return nil, err
	}
	c.conns[tenant] = conn
	return conn, nil
}

// Evict closes and drops the cached connection for tenant, used when a
// tenant's connection turns out to be broken mid-cycle.
func (c *ConnCache) Evict(tenant model.TenantID) {
	c.mu.Lock()
	conn, ok := c.conns[tenant]
	delete(c.conns, tenant)
	c.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// CloseAll closes every cached connection, used on shutdown.
func (c *ConnCache) CloseAll() {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[model.TenantID]Conn)
	c.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Stats reports cache hit/miss counts for the admin /status endpoint.
type Stats struct {
	Hits   int64
	Misses int64
	Open   int
}

func (c *ConnCache) Stats() Stats {
	c.mu.Lock()
	open := len(c.conns)
	c.mu.Unlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Open: open}
}
