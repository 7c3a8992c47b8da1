// Package dispatcher implements the proxy-side entry point: validate the
// tenant header, hand the request to a worker over the broker, await the
// correlated reply, and record the outcome in the persistence pipeline.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/broker"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/correlation"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/envelope"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
	uberrors "github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/errors"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/queue"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/telemetry"
)

// kindToCode maps the ErrorCapture.Kind strings this package raises onto the
// shared pkg/errors taxonomy, so the synthesized 502 body carries the same
// stable code/retryable/kind metadata an operator sees in logs and in the
// admin router's /errors documentation endpoint.
var kindToCode = map[string]uberrors.Code{
	"Unauthorized":     uberrors.Unauthorized,
	"TimeoutException": uberrors.TimeoutException,
	"NotConnected":     uberrors.NotConnected,
	"DecodeError":      uberrors.DecodeError,
	"Internal":         uberrors.Internal,
}

func codeFor(kind string) uberrors.Code {
	if c, ok := kindToCode[kind]; ok {
		return c
	}
	return uberrors.Internal
}

// TenantHeader is the inbound header carrying the tenant's UUID.
const TenantHeader = "X-UB-GUID"

// RPCQueue is the durable routing key workers consume from.
const RPCQueue queue.QueueName = "rpc_queue"

// TagHeader is the fixed header the dispatcher appends to every outbound
// request so the origin can identify this traffic's source.
var TagHeader = model.Header{Key: []byte("X-Hackerone"), Value: []byte("benteveo")}

// WritePipeline is the subset of *persistence.Pipeline the dispatcher needs.
type WritePipeline interface {
	Enqueue(rec model.WriteRecord)
}

// Restarter is the subset of *supervisor.Supervisor the dispatcher needs:
// each dispatch asks the supervisor to restart any background
// broker/persistence task that has died, so a caller observing the session
// not ready never waits for a periodic sweep.
type Restarter interface {
	Check()
}

type noopRestarter struct{}

func (noopRestarter) Check() {}

// Session is the subset of *broker.Session the dispatcher needs.
type Session interface {
	State() broker.State
	ReplyQueue() queue.QueueName
	Publish(ctx context.Context, q queue.QueueName, env queue.Envelope) error
}

// Options configures a Dispatcher.
type Options struct {
	RequestTimeout time.Duration
	Logger         *telemetry.Logger
	Metrics        *telemetry.Counters
}

func (o *Options) setDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = telemetry.Nop
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.Global
	}
}

// Dispatcher is the proxy's per-request entry point, safe for concurrent use
// by many parallel callers: the only shared state is the correlation
// registry (its own mutex) and the persistence pipeline's thread-safe FIFO.
type Dispatcher struct {
	session   Session
	registry  *correlation.Registry
	pipeline  WritePipeline
	restarter Restarter
	opts      Options
}

// New constructs a Dispatcher with no supervisor wired; the broker-not-ready
// path still enqueues a write record, it just has nothing to restart.
func New(session Session, registry *correlation.Registry, pipeline WritePipeline, opts Options) *Dispatcher {
	return NewWithRestarter(session, registry, pipeline, noopRestarter{}, opts)
}

// NewWithRestarter constructs a Dispatcher that asks restarter to revive
// any dead background task on every dispatch.
func NewWithRestarter(session Session, registry *correlation.Registry, pipeline WritePipeline, restarter Restarter, opts Options) *Dispatcher {
	opts.setDefaults()
	if restarter == nil {
		restarter = noopRestarter{}
	}
	return &Dispatcher{session: session, registry: registry, pipeline: pipeline, restarter: restarter, opts: opts}
}

// Dispatch runs one request through the full RPC round trip and returns the
// response the front end should send back, synthesizing a 502 on any
// failure so no internal detail ever reaches the client.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.Request) model.Response {
	tenantHeader, ok := req.HeaderValue(TenantHeader)
	if !ok {
		return d.synthesize("Unauthorized", "missing tenant header")
	}
	tenant, err := model.ParseTenantID(string(tenantHeader))
	if err != nil {
		return d.synthesize("Unauthorized", "malformed tenant header")
	}

	// Every dispatch doubles as a liveness sweep: any supervised task
	// found dead is restarted before this call proceeds.
	d.restarter.Check()

	if d.session.State() != broker.StateReady {
		d.pipeline.Enqueue(model.NewErrorRecord(tenant, req.WithoutHeader(TenantHeader),
			model.ErrorCapture{Kind: "NotConnected", Message: "broker session not ready"}))
		return d.synthesize("NotConnected", "broker session not ready")
	}

	outbound := req.WithoutHeader(TenantHeader)
	outbound.Headers = append(outbound.Headers, TagHeader)

	resp, writeErr := d.roundTrip(ctx, outbound)
	if writeErr != nil {
		d.pipeline.Enqueue(model.NewErrorRecord(tenant, outbound, *writeErr))
		return d.synthesize(writeErr.Kind, writeErr.Message)
	}

	d.pipeline.Enqueue(model.NewSuccessRecord(tenant, outbound, resp))
	d.opts.Metrics.IncDispatched()
	return resp
}

// roundTrip performs steps 4-6 of the proxy dispatcher: generate a
// correlation id, publish, and await the reply.
func (d *Dispatcher) roundTrip(ctx context.Context, req model.Request) (model.Response, *model.ErrorCapture) {
	id := model.NewCorrelationID()
	deadline := time.Now().Add(d.opts.RequestTimeout)
	if err := d.registry.Begin(id, deadline); err != nil {
		return model.Response{}, &model.ErrorCapture{Kind: "Internal", Message: err.Error()}
	}

	payload, err := envelope.EncodeRequest(req)
	if err != nil {
		return model.Response{}, &model.ErrorCapture{Kind: "DecodeError", Message: err.Error()}
	}

	out := queue.Envelope{
		ID:      queue.EnvelopeID(id),
		Type:    "http.request",
		Payload: payload,
		Headers: map[string]string{queue.ReplyToHeader: string(d.session.ReplyQueue())},
	}
	if err := d.session.Publish(ctx, RPCQueue, out); err != nil {
		return model.Response{}, &model.ErrorCapture{Kind: "NotConnected", Message: err.Error()}
	}

	reply, err := d.registry.Await(ctx, id)
	if err != nil {
		kind := "Internal"
		if err == correlation.ErrTimedOut {
			kind = "TimeoutException"
			d.opts.Metrics.IncTimeout()
		}
		return model.Response{}, &model.ErrorCapture{Kind: kind, Message: err.Error()}
	}

	resp, err := envelope.DecodeResponse(reply)
	if err != nil {
		return model.Response{}, &model.ErrorCapture{Kind: "DecodeError", Message: err.Error()}
	}
	return resp, nil
}

// synthesize builds the 502 the front end sees for any caller-visible fault
// (Unauthorized, TimeoutException, NotConnected, DecodeError) per the
// propagation policy: no internal detail or stack trace ever reaches the
// client, only a bounded, sanitized error envelope built the same way
// pkg/errors/handler.go builds any other HTTP-facing error body in this
// codebase.
func (d *Dispatcher) synthesize(kind, detail string) model.Response {
	env := uberrors.NewEnvelope(codeFor(kind), detail, "", nil)
	body, err := json.Marshal(env)
	if err != nil {
		body = []byte(`{"error":{"code":"internal","message":"internal error","retryable":true,"kind":"server"}}`)
	}
	return model.Response{
		ProtocolVersion: "HTTP/1.1",
		StatusCode:      502,
		Headers: []model.Header{
			{Key: []byte("Content-Type"), Value: []byte("application/json")},
		},
		Body:    body,
		EndedAt: time.Now().UTC(),
	}
}

// RunReplyRouter drains the session's reply queue and wakes the matching
// correlation registry entry for every inbound envelope. This is the
// proxy-side half of the RPC loop; it runs for the lifetime of the process
// alongside the broker session loop.
func RunReplyRouter(ctx context.Context, session interface {
	Consume() <-chan queue.Envelope
}, registry *correlation.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-session.Consume():
			if !ok {
				return
			}
			registry.Resolve(model.CorrelationID(env.ID), env.Payload)
		}
	}
}
