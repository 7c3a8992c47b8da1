package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/broker"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/correlation"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/envelope"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/queue"
)

const validTenant = "3935729b-c1f7-40ab-9dfc-e19b699c2eae"

type fakeSession struct {
	state   broker.State
	reply   queue.QueueName
	publish func(ctx context.Context, q queue.QueueName, env queue.Envelope) error
}

func (f *fakeSession) State() broker.State         { return f.state }
func (f *fakeSession) ReplyQueue() queue.QueueName { return f.reply }
func (f *fakeSession) Publish(ctx context.Context, q queue.QueueName, env queue.Envelope) error {
	return f.publish(ctx, q, env)
}

type fakePipeline struct {
	mu      sync.Mutex
	records []model.WriteRecord
}

func (p *fakePipeline) Enqueue(rec model.WriteRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
}

func (p *fakePipeline) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func (p *fakePipeline) last() model.WriteRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[len(p.records)-1]
}

type fakeRestarter struct {
	checks int
}

func (r *fakeRestarter) Check() { r.checks++ }

func requestWithTenant(tenant string) model.Request {
	return model.Request{
		Method: "GET",
		Host:   "www.testing.local",
		Port:   80,
		Scheme: model.SchemeHTTP,
		Path:   "/testpath",
		Headers: []model.Header{
			{Key: []byte(TenantHeader), Value: []byte(tenant)},
		},
	}
}

// TestDispatch_HappyPath: a resolved reply yields the decoded response and
// exactly one write record with Response set.
func TestDispatch_HappyPath(t *testing.T) {
	registry := correlation.New(nil)
	pipeline := &fakePipeline{}

	stored := model.Response{
		StatusCode: 404,
		Headers:    []model.Header{{Key: []byte("Content-Length"), Value: []byte("1563")}},
	}
	storedPayload, err := envelope.EncodeResponse(stored)
	if err != nil {
		t.Fatalf("encode stored response: %v", err)
	}

	session := &fakeSession{
		state: broker.StateReady,
		reply: "proxy-reply-1",
		publish: func(ctx context.Context, q queue.QueueName, env queue.Envelope) error {
			go registry.Resolve(model.CorrelationID(env.ID), storedPayload)
			return nil
		},
	}

	d := New(session, registry, pipeline, Options{RequestTimeout: time.Second})
	resp := d.Dispatch(context.Background(), requestWithTenant(validTenant))

	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	v, ok := resp.HeaderValue("Content-Length")
	if !ok || string(v) != "1563" {
		t.Fatalf("expected Content-Length 1563, got %q (ok=%v)", v, ok)
	}
	if pipeline.len() != 1 {
		t.Fatalf("expected exactly one write record, got %d", pipeline.len())
	}
	rec := pipeline.last()
	if rec.Response == nil || rec.Error != nil {
		t.Fatalf("expected response set and error unset, got %+v", rec)
	}
}

// TestDispatch_Timeout: a reply that never arrives yields a 502 and a
// write record with error_capture.kind == "TimeoutException".
func TestDispatch_Timeout(t *testing.T) {
	registry := correlation.New(nil)
	pipeline := &fakePipeline{}

	session := &fakeSession{
		state: broker.StateReady,
		reply: "proxy-reply-2",
		publish: func(ctx context.Context, q queue.QueueName, env queue.Envelope) error {
			return nil // never resolves
		},
	}

	d := New(session, registry, pipeline, Options{RequestTimeout: time.Millisecond})
	resp := d.Dispatch(context.Background(), requestWithTenant(validTenant))

	if resp.StatusCode != 502 {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if pipeline.len() != 1 {
		t.Fatalf("expected exactly one write record, got %d", pipeline.len())
	}
	rec := pipeline.last()
	if rec.Error == nil || rec.Error.Kind != "TimeoutException" {
		t.Fatalf("expected error_capture.kind == TimeoutException, got %+v", rec.Error)
	}
	if registry.Len() != 0 {
		t.Fatalf("expected registry to drain back to 0, got %d", registry.Len())
	}
}

// TestDispatch_MalformedTenant: a malformed tenant header yields the
// synthesized unauthorized response without enqueuing any write record.
func TestDispatch_MalformedTenant(t *testing.T) {
	registry := correlation.New(nil)
	pipeline := &fakePipeline{}
	session := &fakeSession{state: broker.StateReady}

	d := New(session, registry, pipeline, Options{})
	resp := d.Dispatch(context.Background(), requestWithTenant("not-a-uuid"))

	if resp.StatusCode != 502 {
		t.Fatalf("expected synthesized 502, got %d", resp.StatusCode)
	}
	if pipeline.len() != 0 {
		t.Fatalf("expected zero write records for malformed tenant, got %d", pipeline.len())
	}
}

// TestDispatch_MissingTenant: same as above when the header is absent
// entirely.
func TestDispatch_MissingTenant(t *testing.T) {
	registry := correlation.New(nil)
	pipeline := &fakePipeline{}
	session := &fakeSession{state: broker.StateReady}

	d := New(session, registry, pipeline, Options{})
	resp := d.Dispatch(context.Background(), model.Request{Method: "GET", Host: "x", Path: "/"})

	if resp.StatusCode != 502 {
		t.Fatalf("expected synthesized 502, got %d", resp.StatusCode)
	}
	if pipeline.len() != 0 {
		t.Fatalf("expected zero write records for missing tenant, got %d", pipeline.len())
	}
}

// TestDispatch_WorkerCodecFailure: the worker's synthesized 502 reply
// decodes normally and is surfaced to the caller as-is, still producing
// exactly one write record with Response set.
func TestDispatch_WorkerCodecFailure(t *testing.T) {
	registry := correlation.New(nil)
	pipeline := &fakePipeline{}

	synthetic := model.Response{StatusCode: 502, Body: []byte("Couldn't decode a JSON object and am having a bad time.")}
	payload, err := envelope.EncodeResponse(synthetic)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	session := &fakeSession{
		state: broker.StateReady,
		reply: "proxy-reply-3",
		publish: func(ctx context.Context, q queue.QueueName, env queue.Envelope) error {
			go registry.Resolve(model.CorrelationID(env.ID), payload)
			return nil
		},
	}

	d := New(session, registry, pipeline, Options{RequestTimeout: time.Second})
	resp := d.Dispatch(context.Background(), requestWithTenant(validTenant))

	if resp.StatusCode != 502 {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if pipeline.len() != 1 || pipeline.last().Response == nil {
		t.Fatalf("expected one write record with response set, got %+v", pipeline.records)
	}
}

// TestDispatch_NotConnected exercises the broker-not-ready branch: the
// dispatcher must fail fast without ever touching the registry, but a
// fault raised after the tenant header is parsed still produces exactly
// one write record with error_capture.kind == "NotConnected", and the
// restarter is asked to revive the background tasks.
func TestDispatch_NotConnected(t *testing.T) {
	registry := correlation.New(nil)
	pipeline := &fakePipeline{}
	session := &fakeSession{state: broker.StateDisconnected}
	restarter := &fakeRestarter{}

	d := NewWithRestarter(session, registry, pipeline, restarter, Options{})
	resp := d.Dispatch(context.Background(), requestWithTenant(validTenant))

	if resp.StatusCode != 502 {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if pipeline.len() != 1 {
		t.Fatalf("expected exactly one write record, got %d", pipeline.len())
	}
	rec := pipeline.last()
	if rec.Error == nil || rec.Error.Kind != "NotConnected" {
		t.Fatalf("expected error_capture.kind == NotConnected, got %+v", rec.Error)
	}
	if registry.Len() != 0 {
		t.Fatalf("expected registry untouched, got %d entries", registry.Len())
	}
	if restarter.checks != 1 {
		t.Fatalf("expected the restarter to be asked to restart exactly once, got %d", restarter.checks)
	}
}
