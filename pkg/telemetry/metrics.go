package telemetry

import "sync/atomic"

// Counters tracks the small set of named counters the proxy and worker
// processes care about. There is no metrics exporter in this system, only
// process-local counts surfaced on the proxy's admin /status endpoint.
type Counters struct {
	lateReplies    atomic.Int64
	droppedWrites  atomic.Int64
	schemaFailures atomic.Int64
	oversizeResp   atomic.Int64
	dispatched     atomic.Int64
	timeouts       atomic.Int64
	reconnects     atomic.Int64
}

// Global is the process-wide counter set. cmd/proxy and cmd/worker each use
// their own instance; there is no per-tenant breakdown.
var Global = &Counters{}

func (c *Counters) IncLateReply()        { c.lateReplies.Add(1) }
func (c *Counters) IncDroppedWrite()     { c.droppedWrites.Add(1) }
func (c *Counters) IncSchemaFailure()    { c.schemaFailures.Add(1) }
func (c *Counters) IncOversizeResponse() { c.oversizeResp.Add(1) }
func (c *Counters) IncDispatched()       { c.dispatched.Add(1) }
func (c *Counters) IncTimeout()          { c.timeouts.Add(1) }
func (c *Counters) IncReconnect()        { c.reconnects.Add(1) }

// CounterSnapshot is a point-in-time read of all counters, safe to marshal
// as JSON.
type CounterSnapshot struct {
	LateReplies       int64 `json:"late_replies"`
	DroppedWrites     int64 `json:"dropped_writes"`
	SchemaFailures    int64 `json:"schema_failures"`
	OversizeResponses int64 `json:"oversize_responses"`
	Dispatched        int64 `json:"dispatched"`
	Timeouts          int64 `json:"timeouts"`
	Reconnects        int64 `json:"reconnects"`
}

func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		LateReplies:       c.lateReplies.Load(),
		DroppedWrites:     c.droppedWrites.Load(),
		SchemaFailures:    c.schemaFailures.Load(),
		OversizeResponses: c.oversizeResp.Load(),
		Dispatched:        c.dispatched.Load(),
		Timeouts:          c.timeouts.Load(),
		Reconnects:        c.reconnects.Load(),
	}
}
