// Package model defines the request/response envelopes and persistence
// records shared by the proxy dispatcher, the worker executor, and the
// persistence pipeline.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header is one ordered header pair. Headers are kept as an ordered slice
// rather than a map so that duplicate keys and original ordering survive a
// round trip through the wire codec byte-for-byte.
type Header struct {
	Key   []byte
	Value []byte
}

// Scheme is the origin scheme of a Request.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// Request is the opaque envelope handed to the worker executor. Host may
// carry an embedded port ("h:1234"); Port is the envelope's declared port
// and takes precedence once the host portion has been split (see
// SplitHostPort).
type Request struct {
	ProtocolVersion string
	Host            string
	Port            int
	Scheme          Scheme
	Method          string
	Path            string
	Authority       string
	Headers         []Header
	Body            []byte

	StartedAt time.Time
	EndedAt   time.Time
}

// SplitHostPort strips a trailing ":<port>" from Host, returning the bare
// host to dial. The returned port is always the envelope's own Port field;
// a port embedded in Host is discarded, even when Port is zero.
func (r Request) SplitHostPort() (string, int) {
	host := r.Host
	port := r.Port
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	return host, port
}

// Response is the envelope returned by the worker executor, or synthesized
// locally by the dispatcher on failure.
type Response struct {
	ProtocolVersion string
	StatusCode      int
	ReasonPhrase    string
	Headers         []Header
	Body            []byte
	Trailers        []Header

	StartedAt time.Time
	EndedAt   time.Time
}

// HeaderValue returns the first header value matching key, case-insensitively.
func (resp Response) HeaderValue(key string) ([]byte, bool) {
	for _, h := range resp.Headers {
		if strings.EqualFold(string(h.Key), key) {
			return h.Value, true
		}
	}
	return nil, false
}

// HeaderValue returns the first header value matching key, case-insensitively.
func (r Request) HeaderValue(key string) ([]byte, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(string(h.Key), key) {
			return h.Value, true
		}
	}
	return nil, false
}

// WithoutHeader returns a copy of the request with all headers matching key
// removed, case-insensitively. Used to strip internal headers before the
// envelope crosses the broker.
func (r Request) WithoutHeader(key string) Request {
	out := make([]Header, 0, len(r.Headers))
	for _, h := range r.Headers {
		if strings.EqualFold(string(h.Key), key) {
			continue
		}
		out = append(out, h)
	}
	r.Headers = out
	return r
}

// WithHeader appends a fixed header to the request (e.g. a traffic source tag).
func (r Request) WithHeader(key, value string) Request {
	r.Headers = append(r.Headers, Header{Key: []byte(key), Value: []byte(value)})
	return r
}

// CorrelationID tags a dispatched request and its eventual reply.
type CorrelationID string

// NewCorrelationID mints a fresh UUIDv4 correlation id.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New().String())
}

func (c CorrelationID) String() string { return string(c) }

// TenantID identifies the customer owning a logical database schema. It is
// read verbatim from the X-UB-GUID header and validated by shape only.
type TenantID string

// ParseTenantID validates that raw looks like a UUID (any version/variant)
// and returns the normalized, lowercased TenantID.
func ParseTenantID(raw string) (TenantID, error) {
	raw = strings.TrimSpace(raw)
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("model: malformed tenant id: %w", err)
	}
	return TenantID(id.String()), nil
}

func (t TenantID) String() string { return string(t) }

// ErrorCapture records the failure reason attached to a WriteRecord when no
// response envelope was produced.
type ErrorCapture struct {
	Kind      string
	Message   string
	StackText string
}

// WriteRecord is the unit enqueued into the persistence pipeline. Exactly
// one of Response and Error is set; build records through NewSuccessRecord
// or NewErrorRecord rather than filling the fields by hand.
type WriteRecord struct {
	Tenant   TenantID
	Request  Request
	Response *Response
	Error    *ErrorCapture

	EnqueuedAt time.Time
}

// NewSuccessRecord builds the write record for a dispatch that produced a
// decoded response envelope.
func NewSuccessRecord(tenant TenantID, req Request, resp Response) WriteRecord {
	return WriteRecord{
		Tenant:     tenant,
		Request:    req,
		Response:   &resp,
		EnqueuedAt: time.Now().UTC(),
	}
}

// NewErrorRecord builds the write record for a dispatch that failed before
// a response envelope was decoded.
func NewErrorRecord(tenant TenantID, req Request, capture ErrorCapture) WriteRecord {
	return WriteRecord{
		Tenant:     tenant,
		Request:    req,
		Error:      &capture,
		EnqueuedAt: time.Now().UTC(),
	}
}

// NormalizedURL returns the (scheme, host, port, path) tuple as a single
// comparable string, used as half of the endpoint-metadata dedupe key.
func (r Request) NormalizedURL() string {
	host, port := r.SplitHostPort()
	return fmt.Sprintf("%s://%s:%d%s", r.Scheme, host, port, r.Path)
}

// EndpointKey is the per-tenant dedupe key (normalized_url, method).
type EndpointKey struct {
	NormalizedURL string
	Method        string
}

func (r Request) EndpointKey() EndpointKey {
	return EndpointKey{NormalizedURL: r.NormalizedURL(), Method: strings.ToUpper(r.Method)}
}
