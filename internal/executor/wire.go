package executor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
)

// assembleRequest renders req as raw HTTP/1.x bytes exactly as received by
// the proxy: headers are emitted in their original order, duplicates and
// all, and no header is added, removed, or reordered by this worker.
func assembleRequest(req model.Request) []byte {
	var buf bytes.Buffer

	version := req.ProtocolVersion
	if version == "" {
		version = "HTTP/1.1"
	}
	fmt.Fprintf(&buf, "%s %s %s\r\n", req.Method, req.Path, version)
	for _, h := range req.Headers {
		buf.Write(h.Key)
		buf.WriteString(": ")
		buf.Write(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(req.Body)
	return buf.Bytes()
}

// toNetHTTPRequest builds the minimal *http.Request http.ReadResponse needs
// to interpret the reply correctly (method governs whether a body is
// expected at all, e.g. responses to HEAD never carry one).
func toNetHTTPRequest(req model.Request) (*http.Request, error) {
	u := &url.URL{Path: req.Path}
	httpReq, err := http.NewRequest(req.Method, "/", nil)
	if err != nil {
		return nil, err
	}
	httpReq.URL = u
	return httpReq, nil
}

// fromNetHTTPResponse drains resp.Body and converts it into a model.Response,
// keeping every value of a repeated header key in order; the keys
// themselves are emitted in sorted order, not wire order.
func fromNetHTTPResponse(resp *http.Response) (model.Response, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Response{}, fmt.Errorf("executor: read response body: %w", err)
	}

	headers := make([]model.Header, 0, len(resp.Header))
	for _, key := range orderedHeaderKeys(resp.Header) {
		for _, v := range resp.Header[key] {
			headers = append(headers, model.Header{Key: []byte(key), Value: []byte(v)})
		}
	}

	return model.Response{
		ProtocolVersion: resp.Proto,
		StatusCode:      resp.StatusCode,
		ReasonPhrase:    http.StatusText(resp.StatusCode),
		Headers:         headers,
		Body:            body,
	}, nil
}

// orderedHeaderKeys returns h's keys in a deterministic order. net/http
// canonicalizes and stores headers in a map, so the wire's original
// ordering is already lost by the time they reach here; a sorted order at
// least keeps replies deterministic across runs.
func orderedHeaderKeys(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
