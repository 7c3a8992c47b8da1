package frontend

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
)

type fakeDispatcher struct {
	captured model.Request
	resp     model.Response
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req model.Request) model.Response {
	f.captured = req
	return f.resp
}

func TestServeHTTP_BuildsRequestAndWritesResponse(t *testing.T) {
	fake := &fakeDispatcher{
		resp: model.Response{
			StatusCode: 200,
			Headers:    []model.Header{{Key: []byte("Content-Type"), Value: []byte("text/plain")}},
			Body:       []byte("hello"),
		},
	}
	h := New(fake, Options{})

	req := httptest.NewRequest(http.MethodPost, "http://example.com:8080/foo?q=1", strings.NewReader("body"))
	req.Host = "example.com:8080"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("expected body 'hello', got %q", rec.Body.String())
	}
	if fake.captured.Host != "example.com" {
		t.Fatalf("expected host example.com, got %q", fake.captured.Host)
	}
	if fake.captured.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", fake.captured.Port)
	}
	if fake.captured.Path != "/foo?q=1" {
		t.Fatalf("expected path /foo?q=1, got %q", fake.captured.Path)
	}
	if fake.captured.Method != http.MethodPost {
		t.Fatalf("expected method POST, got %q", fake.captured.Method)
	}
	if string(fake.captured.Body) != "body" {
		t.Fatalf("expected body 'body', got %q", fake.captured.Body)
	}
}

func TestServeHTTP_DefaultsSchemeAndPort(t *testing.T) {
	fake := &fakeDispatcher{resp: model.Response{StatusCode: 502}}
	h := New(fake, Options{})

	req := httptest.NewRequest(http.MethodGet, "http://plainhost/bar", nil)
	req.Host = "plainhost"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if fake.captured.Scheme != model.SchemeHTTP {
		t.Fatalf("expected http scheme, got %q", fake.captured.Scheme)
	}
	if fake.captured.Port != 80 {
		t.Fatalf("expected default port 80, got %d", fake.captured.Port)
	}
}

func TestServeHTTP_RejectsOversizeBody(t *testing.T) {
	fake := &fakeDispatcher{}
	h := New(fake, Options{})

	oversized := bytes.Repeat([]byte("a"), MaxRequestBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "http://example.com/", bytes.NewReader(oversized))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestServeHTTP_PreservesTenantHeaderForDispatcher(t *testing.T) {
	fake := &fakeDispatcher{resp: model.Response{StatusCode: 200}}
	h := New(fake, Options{})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("X-UB-GUID", "3935729b-c1f7-40ab-9dfc-e19b699c2eae")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	v, ok := fake.captured.HeaderValue("X-UB-GUID")
	if !ok || string(v) != "3935729b-c1f7-40ab-9dfc-e19b699c2eae" {
		t.Fatalf("expected tenant header preserved, got %q (ok=%v)", v, ok)
	}
}
