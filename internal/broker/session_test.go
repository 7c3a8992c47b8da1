package broker

import (
	"context"
	"testing"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/queue"
)

func waitForState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session did not reach state %s within %s (last=%s)", want, timeout, s.State())
}

func TestSession_ReachesReadyAndPublishes(t *testing.T) {
	mb := NewMemoryBroker()
	workerTransport := NewMemoryTransport(mb, "rpc_queue")
	worker := NewSession(workerTransport, SessionOptions{ReconnectDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx) }()

	waitForState(t, worker, StateReady, time.Second)

	proxyTransport := NewMemoryTransport(mb, "")
	proxy := NewSession(proxyTransport, SessionOptions{ReconnectDelay: time.Millisecond})
	go func() { _ = proxy.Run(ctx) }()
	waitForState(t, proxy, StateReady, time.Second)

	if proxy.ReplyQueue() == "" {
		t.Fatal("expected proxy to be assigned an exclusive reply queue")
	}

	env := queue.Envelope{Type: "http.request", ID: "corr-1", Headers: map[string]string{queue.ReplyToHeader: string(proxy.ReplyQueue())}}
	if err := proxy.Publish(ctx, "rpc_queue", env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-worker.Consume():
		if got.ID != "corr-1" {
			t.Fatalf("worker received wrong envelope: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("worker never received published envelope")
	}
}

func TestSession_EnqueueChannelOpFailsWhenNotConnected(t *testing.T) {
	mb := NewMemoryBroker()
	s := NewSession(NewMemoryTransport(mb, "rpc_queue"), SessionOptions{})
	err := s.EnqueueChannelOp(context.Background(), func(ctx context.Context) error { return nil })
	if err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected before Run starts, got %v", err)
	}
}
