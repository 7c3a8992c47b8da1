package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
)

type fakeConn struct {
	mu         sync.Mutex
	nextID     int64
	endpoints  map[model.EndpointKey]int64
	inserts    []model.WriteRecord
	committed  bool
	rolledBack bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{endpoints: make(map[model.EndpointKey]int64)}
}

func (c *fakeConn) LookupOrInsertEndpoint(ctx context.Context, key model.EndpointKey) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.endpoints[key]; ok {
		return id, nil
	}
	c.nextID++
	c.endpoints[key] = c.nextID
	return c.nextID, nil
}

func (c *fakeConn) InsertWriteRecord(ctx context.Context, endpointID int64, rec model.WriteRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inserts = append(c.inserts, rec)
	return nil
}

func (c *fakeConn) Commit(ctx context.Context) error   { c.committed = true; return nil }
func (c *fakeConn) Rollback(ctx context.Context) error { c.rolledBack = true; return nil }
func (c *fakeConn) Close() error                       { return nil }

type fakeStore struct {
	mu    sync.Mutex
	conns map[model.TenantID]*fakeConn
}

func newFakeStore() *fakeStore {
	return &fakeStore{conns: make(map[model.TenantID]*fakeConn)}
}

func (s *fakeStore) Connect(ctx context.Context, tenant model.TenantID) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[tenant]; ok {
		return c, nil
	}
	c := newFakeConn()
	s.conns[tenant] = c
	return c, nil
}

func testTenant(n byte) model.TenantID {
	return model.TenantID(fmt.Sprintf("%02x000000-0000-4000-8000-000000000000", n))
}

func newRecord(tenant model.TenantID, url, method string) model.WriteRecord {
	return model.WriteRecord{
		Tenant: tenant,
		Request: model.Request{
			Scheme: model.SchemeHTTP,
			Host:   url,
			Path:   "/p",
			Method: method,
		},
		Response:   &model.Response{StatusCode: 200},
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestPipeline_BulkBatching_105Records(t *testing.T) {
	store := newFakeStore()
	cache := NewConnCache(store)
	p := NewPipeline(cache, Options{MaxBulkWrite: 100, FlushInterval: time.Hour})

	tenant := testTenant(1)
	for i := 0; i < 105; i++ {
		p.Enqueue(newRecord(tenant, "www.example.test", "GET"))
	}

	p.cycle(context.Background())
	conn := mustConn(t, store, tenant)
	if len(conn.inserts) != 100 {
		t.Fatalf("expected first cycle to flush 100 records, got %d", len(conn.inserts))
	}
	if p.QueueLen() != 5 {
		t.Fatalf("expected 5 records left in queue, got %d", p.QueueLen())
	}

	p.cycle(context.Background())
	if len(conn.inserts) != 105 {
		t.Fatalf("expected second cycle to flush the remaining 5, got total %d", len(conn.inserts))
	}
}

func TestPipeline_MetadataDedupeWithinBatch(t *testing.T) {
	store := newFakeStore()
	cache := NewConnCache(store)
	p := NewPipeline(cache, Options{MaxBulkWrite: 100, FlushInterval: time.Hour})

	tenant := testTenant(2)
	p.Enqueue(newRecord(tenant, "www.dup.test", "GET"))
	p.Enqueue(newRecord(tenant, "www.dup.test", "GET"))

	p.cycle(context.Background())
	conn := mustConn(t, store, tenant)
	if len(conn.endpoints) != 1 {
		t.Fatalf("expected a single deduped endpoint, got %d", len(conn.endpoints))
	}
	if len(conn.inserts) != 2 {
		t.Fatalf("expected both records inserted, got %d", len(conn.inserts))
	}
}

func TestPipeline_FuzzerModeSuppressesWrites(t *testing.T) {
	store := newFakeStore()
	cache := NewConnCache(store)
	p := NewPipeline(cache, Options{MaxBulkWrite: 100, FlushInterval: time.Hour, FuzzerMode: true})

	tenant := testTenant(3)
	p.Enqueue(newRecord(tenant, "www.fuzz.test", "GET"))
	p.cycle(context.Background())

	store.mu.Lock()
	_, connected := store.conns[tenant]
	store.mu.Unlock()
	if connected {
		t.Fatal("fuzzer mode must not open a tenant connection at all")
	}
}

func TestPipeline_EnqueueDropsOnHardCap(t *testing.T) {
	store := newFakeStore()
	cache := NewConnCache(store)
	p := NewPipeline(cache, Options{MaxQueueDepth: 2, FlushInterval: time.Hour})

	tenant := testTenant(4)
	p.Enqueue(newRecord(tenant, "www.a.test", "GET"))
	p.Enqueue(newRecord(tenant, "www.b.test", "GET"))
	p.Enqueue(newRecord(tenant, "www.c.test", "GET")) // dropped, queue full

	if p.QueueLen() != 2 {
		t.Fatalf("expected queue capped at 2, got %d", p.QueueLen())
	}
}

func mustConn(t *testing.T, store *fakeStore, tenant model.TenantID) *fakeConn {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	c, ok := store.conns[tenant]
	if !ok {
		t.Fatalf("expected a connection to have been opened for tenant %s", tenant)
	}
	return c
}
