// Package frontend adapts an ordinary net/http server to the dispatcher's
// model.Request/model.Response envelope. It is the concrete, minimal,
// clearly-optional stand-in for the real interception toolkit that would
// sit in front of this system in production: it terminates plain HTTP and
// forwards already-decoded requests, without a CONNECT/TLS-MITM path of its
// own. Deciding which origin host/port a given request targets, and
// presenting a certificate for it, is the excluded toolkit's job; this
// handler only needs a fully formed net/http.Request to build the envelope
// the dispatcher expects.
package frontend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/telemetry"
)

// errRequestTooLarge is returned by buildRequest when the inbound body
// exceeds MaxRequestBodyBytes.
var errRequestTooLarge = errors.New("frontend: request body too large")

// Dispatcher is the subset of *dispatcher.Dispatcher this handler needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req model.Request) model.Response
}

// MaxRequestBodyBytes bounds how much of an inbound request body this
// handler will buffer before handing it to the dispatcher. A request larger
// than this is rejected with 413 rather than silently truncated, since a
// truncated body would be replayed verbatim against the origin.
const MaxRequestBodyBytes = 64 * 1024 * 1024

// Options configures a Handler.
type Options struct {
	Logger *telemetry.Logger
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = telemetry.Nop
	}
}

// Handler is the stand-in HTTP front end: it receives a plain, already
// decrypted HTTP request (as if relayed by the interception toolkit),
// converts it into a model.Request, hands it to the dispatcher, and writes
// the resulting model.Response back to the client.
type Handler struct {
	dispatcher Dispatcher
	opts       Options
}

// New constructs a Handler backed by d.
func New(d Dispatcher, opts Options) *Handler {
	opts.setDefaults()
	return &Handler{dispatcher: d, opts: opts}
}

// ServeHTTP implements http.Handler. Unlike a MITM proxy's ServeHTTP, there
// is no CONNECT branch: this front end is only ever handed plain HTTP
// requests whose target host/port is already known, either because the
// client addressed the proxy directly (absolute-form request line) or
// because the (out of scope) interception toolkit already terminated TLS
// and is relaying the decrypted request here.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now().UTC()
	h.opts.Logger.Debug(r.Context(), "frontend: incoming request", map[string]any{
		"method": r.Method,
		"host":   r.Host,
		"url":    r.URL.String(),
	})

	req, err := h.buildRequest(r, start)
	if err != nil {
		h.opts.Logger.Warn(r.Context(), "frontend: rejecting request", map[string]any{"error": err.Error()})
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	resp := h.dispatcher.Dispatch(r.Context(), req)
	writeResponse(w, resp)
}

// buildRequest reads the body (bounded) and assembles the envelope the
// dispatcher operates on. Headers are copied from r.Header: the values of
// one key keep their order, but keys follow map iteration order, so the
// original wire order across different keys is not kept. Duplicate keys
// become repeated entries.
func (h *Handler) buildRequest(r *http.Request, start time.Time) (model.Request, error) {
	var body []byte
	if r.Body != nil {
		limited := io.LimitReader(r.Body, MaxRequestBodyBytes+1)
		b, err := io.ReadAll(limited)
		if err != nil {
			return model.Request{}, err
		}
		if len(b) > MaxRequestBodyBytes {
			return model.Request{}, errRequestTooLarge
		}
		body = b
	}

	host, port, scheme := targetOf(r)

	headers := make([]model.Header, 0, len(r.Header)+1)
	for key, values := range r.Header {
		for _, v := range values {
			headers = append(headers, model.Header{Key: []byte(key), Value: []byte(v)})
		}
	}
	headers = append(headers, model.Header{Key: []byte("Host"), Value: []byte(r.Host)})

	return model.Request{
		ProtocolVersion: r.Proto,
		Host:            host,
		Port:            port,
		Scheme:          scheme,
		Method:          r.Method,
		Path:            requestPath(r),
		Headers:         headers,
		Body:            body,
		StartedAt:       start,
	}, nil
}

// targetOf determines the (host, port, scheme) a worker should dial,
// preferring the absolute-form request URL (set when the client addresses
// this proxy directly) and falling back to the Host header.
func targetOf(r *http.Request) (string, int, model.Scheme) {
	scheme := model.SchemeHTTP
	if r.TLS != nil || r.URL.Scheme == "https" {
		scheme = model.SchemeHTTPS
	}

	host := r.Host
	if r.URL.Host != "" {
		host = r.URL.Host
	}

	port := 80
	if scheme == model.SchemeHTTPS {
		port = 443
	}
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 && idx < len(host)-1 {
		if p, err := strconv.Atoi(host[idx+1:]); err == nil {
			port = p
		}
		host = host[:idx]
	}
	return host, port, scheme
}

// requestPath returns the path+query a worker should reissue, in
// origin-form (i.e. without scheme/host even if the incoming line used
// absolute-form).
func requestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	return path
}

func writeResponse(w http.ResponseWriter, resp model.Response) {
	hdr := w.Header()
	for _, h := range resp.Headers {
		hdr.Add(string(h.Key), string(h.Value))
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}
