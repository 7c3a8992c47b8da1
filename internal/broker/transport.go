// Package broker owns the single long-lived connection to the message
// broker: one connection, one channel, one exclusive reply queue. Channels
// are not safe for concurrent use, so every send is funneled through a
// single owning goroutine via EnqueueChannelOp.
package broker

import (
	"context"
	"errors"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/queue"
)

// ErrNotConnected is returned synchronously to callers of EnqueueChannelOp
// while the session is not in the ready state.
var ErrNotConnected = errors.New("broker: not connected")

// Transport is the minimal broker primitive this package depends on: publish
// an envelope to a named queue, and receive a stream of inbound envelopes
// addressed to this process. The real broker and the exclusive reply-queue
// bookkeeping are external collaborators; Transport is the seam a Session
// drives.
type Transport interface {
	// Connect establishes the underlying connection and returns the name of
	// this process's inbound queue: the name the caller supplied (e.g. the
	// well-known rpc_queue for workers), or otherwise the exclusive queue
	// name assigned on connect.
	Connect(ctx context.Context) (inboundQueue queue.QueueName, err error)

	// Publish sends env addressed to routing key q. Must only be called
	// from the Session's owning goroutine.
	Publish(ctx context.Context, q queue.QueueName, env queue.Envelope) error

	// Recv blocks until the next inbound envelope arrives or ctx/transport
	// closes.
	Recv(ctx context.Context) (queue.Envelope, error)

	// Ack acknowledges a consumed envelope so the broker will not redeliver
	// it. Must only be called from the Session's owning goroutine.
	Ack(ctx context.Context, env queue.Envelope) error

	// Close tears down the underlying connection.
	Close() error
}
