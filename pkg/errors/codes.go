package errors

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Code is a stable error code shared across the proxy and worker processes.
// Once published, codes should be treated as API-stable.
type Code string

// CodeMeta provides metadata useful for HTTP mapping, retry decisions, and documentation.
type CodeMeta struct {
	HTTPStatus  int    `json:"http_status"`
	Retryable   bool   `json:"retryable"`
	Kind        string `json:"kind"` // client|server|security|dependency
	Description string `json:"description"`
}

// ---- CALLER-VISIBLE (front end) ----
const (
	Unauthorized     Code = "proxy.unauthorized"
	TimeoutException Code = "proxy.timeout"
	NotConnected     Code = "proxy.not_connected"
	DecodeError      Code = "proxy.decode_error"
)

// ---- INTERNAL, RECOVERABLE ----
const (
	InvalidSchemaException Code = "persistence.invalid_schema"
	BrokerDisconnected     Code = "broker.disconnected"
)

// ---- INTERNAL, FATAL AT STARTUP ----
const (
	MissingEnvironmentVariables Code = "config.missing_env"
	MissingWorkerID             Code = "config.missing_worker_id"
)

// ---- GENERIC ----
const (
	Internal Code = "internal"
)

var registry = map[Code]CodeMeta{
	Unauthorized:     {HTTPStatus: 502, Retryable: false, Kind: "client", Description: "tenant header missing or malformed"},
	TimeoutException: {HTTPStatus: 502, Retryable: true, Kind: "dependency", Description: "no reply before the request deadline"},
	NotConnected:     {HTTPStatus: 502, Retryable: true, Kind: "dependency", Description: "broker session is not ready"},
	DecodeError:      {HTTPStatus: 502, Retryable: false, Kind: "dependency", Description: "response envelope failed to decode"},

	InvalidSchemaException: {HTTPStatus: 500, Retryable: true, Kind: "dependency", Description: "tenant schema lookup failed"},
	BrokerDisconnected:     {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "broker connection lost"},

	MissingEnvironmentVariables: {HTTPStatus: 500, Retryable: false, Kind: "server", Description: "required environment variable not set"},
	MissingWorkerID:             {HTTPStatus: 500, Retryable: false, Kind: "server", Description: "worker process started without an id"},

	Internal: {HTTPStatus: 500, Retryable: true, Kind: "server", Description: "internal error"},
}

// Meta returns metadata for a code.
func Meta(code Code) (CodeMeta, bool) {
	m, ok := registry[code]
	return m, ok
}

func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}

// List returns all known codes, sorted.
func List() []Code {
	out := make([]Code, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExportJSON returns stable JSON of all codes + meta, for operator documentation endpoints.
func ExportJSON() []byte {
	type row struct {
		Code Code     `json:"code"`
		Meta CodeMeta `json:"meta"`
	}
	codes := List()
	rows := make([]row, 0, len(codes))
	for _, c := range codes {
		rows = append(rows, row{Code: c, Meta: registry[c]})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return []byte("[]")
	}
	var buf bytes.Buffer
	_, _ = buf.Write(b)
	return buf.Bytes()
}
