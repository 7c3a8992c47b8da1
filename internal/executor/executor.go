// Package executor implements the worker-side request executor: a
// single-threaded consumer that deserializes requests, opens sockets (with
// or without TLS), transmits pre-assembled request bytes, reads responses,
// and publishes either a success response or a synthetic HTTP error back
// to the reply queue.
//
// Deliberately insecure by design: outbound TLS verification is disabled.
// This worker targets deliberately broken origins and must not reject them.
package executor

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/envelope"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/queue"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/telemetry"
)

// Session is the subset of *broker.Session the executor depends on, kept
// narrow so tests can supply an in-memory double.
type Session interface {
	Consume() <-chan queue.Envelope
	Publish(ctx context.Context, q queue.QueueName, env queue.Envelope) error
	Ack(ctx context.Context, env queue.Envelope) error
}

// MaxResponseBytes is the broker's effective payload ceiling minus margin.
// The broker's configured maximum message size is ~130MB; responses that
// would serialize larger are replaced with a synthetic 502 before
// publishing.
const MaxResponseBytes = 128 * 1024 * 1024

// Options configures an Executor.
type Options struct {
	// Timeout bounds socket connect/read/write operations.
	Timeout time.Duration
	Logger  *telemetry.Logger
	Metrics *telemetry.Counters
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = telemetry.Nop
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.Global
	}
}

// Executor drains a session's inbound queue one message at a time, by
// design: the broker's prefetch=1 config ensures a slow outbound request
// blocks only this worker process, not the rest of the fleet. Run N
// independent worker processes to scale out rather than threads within one.
type Executor struct {
	session Session
	opts    Options
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New constructs an Executor bound to session.
func New(session Session, opts Options) *Executor {
	opts.setDefaults()
	return &Executor{
		session: session,
		opts:    opts,
		dial:    (&net.Dialer{}).DialContext,
	}
}

// Run processes inbound envelopes until ctx is cancelled or the session's
// channel closes.
func (e *Executor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-e.session.Consume():
			if !ok {
				return nil
			}
			e.handle(ctx, env)
		}
	}
}

// handle processes exactly one message: decode, dial, transmit, parse,
// publish. A reply is attempted on every path, failures included, except
// when the message has no reply_to (it is logged and dropped); the message
// is acked in a defer on every path so redelivery cannot pile up.
func (e *Executor) handle(ctx context.Context, in queue.Envelope) {
	defer func() {
		if err := e.session.Ack(ctx, in); err != nil {
			e.opts.Logger.Warn(ctx, "worker: ack failed", map[string]any{"id": string(in.ID), "error": err})
		}
	}()

	replyTo, hasReply := in.ReplyTo()
	if !hasReply {
		e.opts.Logger.Error(ctx, "worker: message has no reply_to, dropping", map[string]any{"id": string(in.ID)})
		return
	}

	req, err := envelope.DecodeRequest(in.Payload)
	if err != nil {
		e.reply(ctx, replyTo, in.ID, e.syntheticResponse(502, "Couldn't decode a JSON object and am having a bad time."))
		return
	}

	resp := e.execute(ctx, req)
	e.reply(ctx, replyTo, in.ID, resp)
}

// execute performs the outbound socket I/O and returns either the real
// response or a synthetic error response.
func (e *Executor) execute(ctx context.Context, req model.Request) model.Response {
	host, port := req.SplitHostPort()
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	conn, err := e.dial(dialCtx, "tcp", addr)
	if err != nil {
		e.opts.Metrics.IncTimeout()
		return e.syntheticResponse(504, fmt.Sprintf("couldn't connect to %s: %v", addr, err))
	}
	defer conn.Close()

	if req.Scheme == model.SchemeHTTPS {
		// Go's crypto/tls has no mechanism to re-enable SSLv2/SSLv3 (the
		// standard library never implemented them); InsecureSkipVerify and
		// the lowest version it does expose is as close as this runtime
		// gets to the original's deliberately-broken-origin posture.
		tlsConn := tls.Client(conn, &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS10,
			ServerName:         host,
		})
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			return e.syntheticResponse(504, fmt.Sprintf("tls handshake failed: %v", err))
		}
		conn = tlsConn
	}

	deadline := time.Now().Add(e.opts.Timeout)
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(assembleRequest(req)); err != nil {
		return e.syntheticResponse(504, fmt.Sprintf("write failed: %v", err))
	}

	httpReq, err := toNetHTTPRequest(req)
	if err != nil {
		return e.syntheticResponse(504, fmt.Sprintf("internal request assembly error: %v", err))
	}
	rawResp, err := http.ReadResponse(bufio.NewReader(conn), httpReq)
	if err != nil {
		return e.syntheticResponse(504, fmt.Sprintf("read failed: %v", err))
	}
	defer rawResp.Body.Close()

	resp, err := fromNetHTTPResponse(rawResp)
	if err != nil {
		return e.syntheticResponse(504, fmt.Sprintf("response read failed: %v", err))
	}

	encoded, err := envelope.EncodeResponse(resp)
	if err != nil || envelope.Size(encoded) > MaxResponseBytes {
		e.opts.Metrics.IncOversizeResponse()
		return e.syntheticResponse(502, "Message response too large.")
	}

	return resp
}

func (e *Executor) syntheticResponse(status int, message string) model.Response {
	body := []byte(message)
	return model.Response{
		ProtocolVersion: "HTTP/1.1",
		StatusCode:      status,
		ReasonPhrase:    http.StatusText(status),
		Headers: []model.Header{
			{Key: []byte("Content-Type"), Value: []byte("text/plain")},
			{Key: []byte("Content-Length"), Value: []byte(strconv.Itoa(len(body)))},
		},
		Body:      body,
		EndedAt:   time.Now().UTC(),
		StartedAt: time.Now().UTC(),
	}
}

func (e *Executor) reply(ctx context.Context, replyTo queue.QueueName, id queue.EnvelopeID, resp model.Response) {
	payload, err := envelope.EncodeResponse(resp)
	if err != nil {
		e.opts.Logger.Error(ctx, "worker: failed to encode reply, dropping", map[string]any{"id": string(id), "error": err})
		return
	}
	out := queue.Envelope{Type: "http.response", ID: id, Payload: payload, PayloadBytes: int64(len(payload))}
	if err := e.session.Publish(ctx, replyTo, out); err != nil {
		e.opts.Logger.Error(ctx, "worker: publish reply failed", map[string]any{"id": string(id), "error": err})
	}
}
