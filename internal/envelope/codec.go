// Package envelope implements the bijective wire codec for request and
// response envelopes crossing the broker. The transport only carries text,
// so every arbitrary byte string (header keys/values, bodies) is re-encoded
// with a base64 sentinel prefix; everything else is left as plain JSON.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
)

// Sentinel is the prefix marking a string as base64-encoded raw bytes. It is
// chosen to be vanishingly unlikely to collide with a legitimate plain
// string value.
const Sentinel = "application/base64:"

func encodeBytes(b []byte) string {
	return Sentinel + base64.StdEncoding.EncodeToString(b)
}

func decodeBytes(s string) ([]byte, bool, error) {
	if len(s) < len(Sentinel) || s[:len(Sentinel)] != Sentinel {
		return nil, false, nil
	}
	b, err := base64.StdEncoding.DecodeString(s[len(Sentinel):])
	if err != nil {
		return nil, true, fmt.Errorf("envelope: %w: bad base64 payload", ErrDecodeError)
	}
	return b, true, nil
}

func encodeHeaderPair(h model.Header) [2]string {
	return [2]string{encodeBytes(h.Key), encodeBytes(h.Value)}
}

func decodeHeaderPair(pair []json.RawMessage) (model.Header, error) {
	if len(pair) != 2 {
		return model.Header{}, fmt.Errorf("envelope: %w: header pair must have 2 elements", ErrDecodeError)
	}
	var ks, vs string
	if err := json.Unmarshal(pair[0], &ks); err != nil {
		return model.Header{}, fmt.Errorf("envelope: %w: header key not a string", ErrDecodeError)
	}
	if err := json.Unmarshal(pair[1], &vs); err != nil {
		return model.Header{}, fmt.Errorf("envelope: %w: header value not a string", ErrDecodeError)
	}
	k, ok, err := decodeBytes(ks)
	if err != nil {
		return model.Header{}, err
	}
	if !ok {
		k = []byte(ks)
	}
	v, ok, err := decodeBytes(vs)
	if err != nil {
		return model.Header{}, err
	}
	if !ok {
		v = []byte(vs)
	}
	return model.Header{Key: k, Value: v}, nil
}

// wireRequest is the on-wire JSON shape of a Request. Field order here is
// irrelevant to the bijection property; only header list order and body
// bytes must survive round-trip exactly.
type wireRequest struct {
	ProtocolVersion string      `json:"protocol_version"`
	Host            string      `json:"host"`
	Port            int         `json:"port"`
	Scheme          string      `json:"scheme"`
	Method          string      `json:"method"`
	Path            string      `json:"path"`
	Authority       string      `json:"authority"`
	Headers         [][2]string `json:"headers"`
	Body            string      `json:"body"`
	StartedAt       string      `json:"started_at,omitempty"`
	EndedAt         string      `json:"ended_at,omitempty"`
}

type wireResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	StatusCode      int         `json:"status_code"`
	ReasonPhrase    string      `json:"reason_phrase"`
	Headers         [][2]string `json:"headers"`
	Body            string      `json:"body"`
	Trailers        [][2]string `json:"trailers,omitempty"`
	StartedAt       string      `json:"started_at,omitempty"`
	EndedAt         string      `json:"ended_at,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// EncodeRequest serializes a Request into its transport-safe JSON form.
func EncodeRequest(r model.Request) ([]byte, error) {
	wr := wireRequest{
		ProtocolVersion: r.ProtocolVersion,
		Host:            r.Host,
		Port:            r.Port,
		Scheme:          string(r.Scheme),
		Method:          r.Method,
		Path:            r.Path,
		Authority:       r.Authority,
		Headers:         make([][2]string, 0, len(r.Headers)),
		Body:            encodeBytes(r.Body),
		StartedAt:       formatTime(r.StartedAt),
		EndedAt:         formatTime(r.EndedAt),
	}
	for _, h := range r.Headers {
		wr.Headers = append(wr.Headers, encodeHeaderPair(h))
	}
	return json.Marshal(wr)
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(data []byte) (model.Request, error) {
	var raw struct {
		ProtocolVersion string              `json:"protocol_version"`
		Host            string              `json:"host"`
		Port            int                 `json:"port"`
		Scheme          string              `json:"scheme"`
		Method          string              `json:"method"`
		Path            string              `json:"path"`
		Authority       string              `json:"authority"`
		Headers         [][]json.RawMessage `json:"headers"`
		Body            string              `json:"body"`
		StartedAt       string              `json:"started_at"`
		EndedAt         string              `json:"ended_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.Request{}, fmt.Errorf("envelope: %w: %v", ErrDecodeError, err)
	}
	body, ok, err := decodeBytes(raw.Body)
	if err != nil {
		return model.Request{}, err
	}
	if !ok {
		body = []byte(raw.Body)
	}
	headers := make([]model.Header, 0, len(raw.Headers))
	for _, pair := range raw.Headers {
		h, err := decodeHeaderPair(pair)
		if err != nil {
			return model.Request{}, err
		}
		headers = append(headers, h)
	}
	started, err := parseTime(raw.StartedAt)
	if err != nil {
		return model.Request{}, fmt.Errorf("envelope: %w: bad started_at", ErrDecodeError)
	}
	ended, err := parseTime(raw.EndedAt)
	if err != nil {
		return model.Request{}, fmt.Errorf("envelope: %w: bad ended_at", ErrDecodeError)
	}
	return model.Request{
		ProtocolVersion: raw.ProtocolVersion,
		Host:            raw.Host,
		Port:            raw.Port,
		Scheme:          model.Scheme(raw.Scheme),
		Method:          raw.Method,
		Path:            raw.Path,
		Authority:       raw.Authority,
		Headers:         headers,
		Body:            body,
		StartedAt:       started,
		EndedAt:         ended,
	}, nil
}

// EncodeResponse serializes a Response into its transport-safe JSON form.
func EncodeResponse(r model.Response) ([]byte, error) {
	wr := wireResponse{
		ProtocolVersion: r.ProtocolVersion,
		StatusCode:      r.StatusCode,
		ReasonPhrase:    r.ReasonPhrase,
		Headers:         make([][2]string, 0, len(r.Headers)),
		Body:            encodeBytes(r.Body),
		StartedAt:       formatTime(r.StartedAt),
		EndedAt:         formatTime(r.EndedAt),
	}
	for _, h := range r.Headers {
		wr.Headers = append(wr.Headers, encodeHeaderPair(h))
	}
	if len(r.Trailers) > 0 {
		wr.Trailers = make([][2]string, 0, len(r.Trailers))
		for _, h := range r.Trailers {
			wr.Trailers = append(wr.Trailers, encodeHeaderPair(h))
		}
	}
	return json.Marshal(wr)
}

// DecodeResponse is the inverse of EncodeResponse.
func DecodeResponse(data []byte) (model.Response, error) {
	var raw struct {
		ProtocolVersion string              `json:"protocol_version"`
		StatusCode      int                 `json:"status_code"`
		ReasonPhrase    string              `json:"reason_phrase"`
		Headers         [][]json.RawMessage `json:"headers"`
		Body            string              `json:"body"`
		Trailers        [][]json.RawMessage `json:"trailers"`
		StartedAt       string              `json:"started_at"`
		EndedAt         string              `json:"ended_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.Response{}, fmt.Errorf("envelope: %w: %v", ErrDecodeError, err)
	}
	body, ok, err := decodeBytes(raw.Body)
	if err != nil {
		return model.Response{}, err
	}
	if !ok {
		body = []byte(raw.Body)
	}
	headers := make([]model.Header, 0, len(raw.Headers))
	for _, pair := range raw.Headers {
		h, err := decodeHeaderPair(pair)
		if err != nil {
			return model.Response{}, err
		}
		headers = append(headers, h)
	}
	var trailers []model.Header
	for _, pair := range raw.Trailers {
		h, err := decodeHeaderPair(pair)
		if err != nil {
			return model.Response{}, err
		}
		trailers = append(trailers, h)
	}
	started, err := parseTime(raw.StartedAt)
	if err != nil {
		return model.Response{}, fmt.Errorf("envelope: %w: bad started_at", ErrDecodeError)
	}
	ended, err := parseTime(raw.EndedAt)
	if err != nil {
		return model.Response{}, fmt.Errorf("envelope: %w: bad ended_at", ErrDecodeError)
	}
	return model.Response{
		ProtocolVersion: raw.ProtocolVersion,
		StatusCode:      raw.StatusCode,
		ReasonPhrase:    raw.ReasonPhrase,
		Headers:         headers,
		Body:            body,
		Trailers:        trailers,
		StartedAt:       started,
		EndedAt:         ended,
	}, nil
}

// Size returns the serialized byte size an encoded payload would occupy,
// used by the worker to decide whether a response is oversize before
// publishing it.
func Size(data []byte) int64 { return int64(len(data)) }
