package model

import (
	"strings"
	"testing"
)

func TestSplitHostPort(t *testing.T) {
	cases := []struct {
		host     string
		port     int
		wantHost string
		wantPort int
	}{
		{"h:1234", 1234, "h", 1234},
		{"h:9999", 1234, "h", 1234}, // envelope port wins over the embedded one
		{"www.testing.local", 80, "www.testing.local", 80},
		{"", 443, "", 443},
	}
	for _, tc := range cases {
		r := Request{Host: tc.host, Port: tc.port}
		gotHost, gotPort := r.SplitHostPort()
		if gotHost != tc.wantHost || gotPort != tc.wantPort {
			t.Errorf("SplitHostPort(%q, %d) = (%q, %d), want (%q, %d)",
				tc.host, tc.port, gotHost, gotPort, tc.wantHost, tc.wantPort)
		}
	}
}

func TestParseTenantID(t *testing.T) {
	got, err := ParseTenantID("3935729B-C1F7-40AB-9DFC-E19B699C2EAE")
	if err != nil {
		t.Fatalf("ParseTenantID: %v", err)
	}
	if got.String() != "3935729b-c1f7-40ab-9dfc-e19b699c2eae" {
		t.Fatalf("expected lowercased tenant id, got %q", got)
	}

	for _, bad := range []string{"", "not-a-uuid", "3935729b-c1f7-40ab-9dfc"} {
		if _, err := ParseTenantID(bad); err == nil {
			t.Errorf("ParseTenantID(%q) should fail", bad)
		}
	}
}

func TestWithoutHeaderStripsAllMatches(t *testing.T) {
	r := Request{Headers: []Header{
		{Key: []byte("X-UB-GUID"), Value: []byte("a")},
		{Key: []byte("Host"), Value: []byte("h")},
		{Key: []byte("x-ub-guid"), Value: []byte("b")},
	}}
	got := r.WithoutHeader("X-UB-GUID")
	if len(got.Headers) != 1 || string(got.Headers[0].Key) != "Host" {
		t.Fatalf("expected only Host to survive, got %+v", got.Headers)
	}
	// the original must be untouched
	if len(r.Headers) != 3 {
		t.Fatalf("WithoutHeader mutated the receiver: %+v", r.Headers)
	}
}

func TestEndpointKeyNormalizesMethodAndHost(t *testing.T) {
	r := Request{
		Scheme: SchemeHTTPS,
		Host:   "Example.test:9999",
		Port:   8443,
		Path:   "/a",
		Method: "get",
	}
	key := r.EndpointKey()
	if key.Method != "GET" {
		t.Fatalf("expected upper-cased method, got %q", key.Method)
	}
	if !strings.Contains(key.NormalizedURL, ":8443/a") {
		t.Fatalf("expected envelope port in normalized url, got %q", key.NormalizedURL)
	}
	if strings.Contains(key.NormalizedURL, "9999") {
		t.Fatalf("embedded host port must not leak into normalized url: %q", key.NormalizedURL)
	}
}
