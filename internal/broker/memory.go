package broker

import (
	"context"
	"strconv"
	"sync"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/queue"
)

// MemoryBroker is an in-process fake of the broker's routing behavior: a
// named set of queues, each a buffered channel, shared by every
// MemoryTransport attached to it. Used by tests that need a proxy-side and
// worker-side Session exchanging real messages without a network.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[queue.QueueName]chan queue.Envelope
	seq    int
}

// NewMemoryBroker constructs an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[queue.QueueName]chan queue.Envelope)}
}

func (b *MemoryBroker) queueFor(name queue.QueueName) chan queue.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan queue.Envelope, 256)
		b.queues[name] = ch
	}
	return ch
}

func (b *MemoryBroker) newExclusiveName() queue.QueueName {
	b.mu.Lock()
	b.seq++
	n := b.seq
	b.mu.Unlock()
	return queue.QueueName("reply-" + strconv.Itoa(n))
}

// MemoryTransport is a Transport bound to one queue within a MemoryBroker.
type MemoryTransport struct {
	broker    *MemoryBroker
	queueName queue.QueueName
	fixed     bool

	inbound chan queue.Envelope
}

// NewMemoryTransport binds to queueName if non-empty, otherwise the broker
// assigns an exclusive name on Connect (mirroring the proxy's anonymous
// reply queue).
func NewMemoryTransport(b *MemoryBroker, queueName queue.QueueName) *MemoryTransport {
	return &MemoryTransport{broker: b, queueName: queueName, fixed: queueName != ""}
}

func (t *MemoryTransport) Connect(ctx context.Context) (queue.QueueName, error) {
	if !t.fixed {
		t.queueName = t.broker.newExclusiveName()
	}
	t.inbound = t.broker.queueFor(t.queueName)
	return t.queueName, nil
}

func (t *MemoryTransport) Publish(ctx context.Context, q queue.QueueName, env queue.Envelope) error {
	ch := t.broker.queueFor(q)
	select {
	case ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemoryTransport) Recv(ctx context.Context) (queue.Envelope, error) {
	select {
	case env, ok := <-t.inbound:
		if !ok {
			return queue.Envelope{}, ErrNotConnected
		}
		return env, nil
	case <-ctx.Done():
		return queue.Envelope{}, ctx.Err()
	}
}

// Ack is a no-op: the channel receive in Recv already removed the message,
// and the in-memory broker has no redelivery to suppress.
func (t *MemoryTransport) Ack(ctx context.Context, env queue.Envelope) error { return nil }

func (t *MemoryTransport) Close() error { return nil }
