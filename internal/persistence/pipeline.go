package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/queue"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/telemetry"
)

// Options configures a Pipeline.
type Options struct {
	// MaxBulkWrite caps how many records are drained and flushed per cycle.
	MaxBulkWrite int
	// FlushInterval is how often the pipeline wakes to drain the queue.
	FlushInterval time.Duration
	// MaxQueueDepth is the hard cap on the in-memory FIFO; beyond it,
	// Enqueue drops the incoming record into DropStore instead of blocking
	// the caller; records already queued are kept.
	MaxQueueDepth int
	// FuzzerMode suppresses endpoint-metadata insertion entirely: matching
	// batches are dropped without writing, to avoid polluting the metadata
	// table with high-cardinality fuzzer-generated URLs.
	FuzzerMode bool

	DropStore queue.DLQStore
	Counters  *telemetry.Counters
	Logger    *telemetry.Logger
}

func (o *Options) setDefaults() {
	if o.MaxBulkWrite <= 0 {
		o.MaxBulkWrite = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 50 * time.Millisecond
	}
	if o.MaxQueueDepth <= 0 {
		o.MaxQueueDepth = 10_000
	}
	if o.Counters == nil {
		o.Counters = telemetry.Global
	}
	if o.Logger == nil {
		o.Logger = telemetry.Nop
	}
}

// Pipeline is the background write worker described in the system's
// persistence pipeline component: a bounded FIFO, drained on an interval,
// grouped and flushed per tenant.
type Pipeline struct {
	connCache *ConnCache
	opts      Options

	queue chan model.WriteRecord
}

// NewPipeline constructs a Pipeline backed by connCache.
func NewPipeline(connCache *ConnCache, opts Options) *Pipeline {
	opts.setDefaults()
	return &Pipeline{
		connCache: connCache,
		opts:      opts,
		queue:     make(chan model.WriteRecord, opts.MaxQueueDepth),
	}
}

// Enqueue pushes a write record for later flushing. It never blocks: if the
// queue is at its hard cap, the record is dropped, counted, and captured in
// the drop-ledger instead of silently discarded.
func (p *Pipeline) Enqueue(rec model.WriteRecord) {
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now().UTC()
	}
	select {
	case p.queue <- rec:
	default:
		p.drop(rec, "queue at hard cap")
	}
}

func (p *Pipeline) drop(rec model.WriteRecord, reason string) {
	p.opts.Counters.IncDroppedWrite()
	p.opts.Logger.Warn(context.Background(), "persistence queue full, dropping write record", map[string]any{
		"tenant": rec.Tenant.String(),
		"reason": reason,
	})
	if p.opts.DropStore == nil {
		return
	}
	env := queue.Envelope{Type: "persistence.write_record", Tenant: rec.Tenant.String()}
	drec, err := queue.NewDLQRecord("persistence.dropped", env, 0, reason, time.Time{})
	if err != nil {
		return
	}
	_ = p.opts.DropStore.Put(context.Background(), drec)
}

// QueueLen reports the current depth of the in-memory FIFO.
func (p *Pipeline) QueueLen() int { return len(p.queue) }

// Run drains the queue on FlushInterval until ctx is cancelled. It never
// exits on a storage failure: failures are scoped to a single tenant's
// batch and logged, and the loop continues.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.cycle(context.Background())
			return ctx.Err()
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle drains up to MaxBulkWrite records, groups them by tenant in FIFO
// order, and flushes each tenant's group independently.
func (p *Pipeline) cycle(ctx context.Context) {
	batch := p.drain(p.opts.MaxBulkWrite)
	if len(batch) == 0 {
		return
	}

	order := make([]model.TenantID, 0, 4)
	groups := make(map[model.TenantID][]model.WriteRecord, 4)
	for _, rec := range batch {
		if _, ok := groups[rec.Tenant]; !ok {
			order = append(order, rec.Tenant)
		}
		groups[rec.Tenant] = append(groups[rec.Tenant], rec)
	}

	for _, tenant := range order {
		p.flushTenant(ctx, tenant, groups[tenant])
	}
}

func (p *Pipeline) drain(max int) []model.WriteRecord {
	out := make([]model.WriteRecord, 0, max)
	for len(out) < max {
		select {
		case rec := <-p.queue:
			out = append(out, rec)
		default:
			return out
		}
	}
	return out
}

// flushTenant commits one tenant's batch. A storage failure aborts only
// this tenant's batch; other tenants in the same cycle are unaffected.
func (p *Pipeline) flushTenant(ctx context.Context, tenant model.TenantID, recs []model.WriteRecord) {
	if p.opts.FuzzerMode {
		return
	}

	conn, err := p.connCache.Get(ctx, tenant)
	if err != nil {
		if errors.Is(err, ErrInvalidSchema) {
			p.opts.Counters.IncSchemaFailure()
		}
		p.opts.Logger.Error(ctx, "persistence: connect failed, skipping tenant batch", map[string]any{
			"tenant": tenant.String(),
			"error":  err,
		})
		return
	}

	endpointIDs := make(map[model.EndpointKey]int64, len(recs))
	for _, rec := range recs {
		key := rec.Request.EndpointKey()
		id, ok := endpointIDs[key]
		if !ok {
			var err error
			id, err = conn.LookupOrInsertEndpoint(ctx, key)
			if err != nil {
				p.abortBatch(ctx, tenant, conn, err)
				return
			}
			endpointIDs[key] = id
		}
		if err := conn.InsertWriteRecord(ctx, id, rec); err != nil {
			p.abortBatch(ctx, tenant, conn, err)
			return
		}
	}

	if err := conn.Commit(ctx); err != nil {
		p.abortBatch(ctx, tenant, conn, err)
		return
	}
}

func (p *Pipeline) abortBatch(ctx context.Context, tenant model.TenantID, conn Conn, cause error) {
	_ = conn.Rollback(ctx)
	p.connCache.Evict(tenant)
	p.opts.Logger.Error(ctx, "persistence: batch aborted", map[string]any{
		"tenant": tenant.String(),
		"error":  cause,
	})
}
