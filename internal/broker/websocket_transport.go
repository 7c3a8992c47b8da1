package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/queue"
)

// wireMessage is the JSON frame exchanged over the websocket: a routing key
// plus the envelope addressed to it.
type wireMessage struct {
	Queue    queue.QueueName `json:"queue"`
	Envelope queue.Envelope  `json:"envelope"`
}

// WebSocketTransport dials a single broker gateway endpoint and exchanges
// JSON frames over it, one JSON document per websocket text message. It is the production Transport:
// the broker itself (durable rpc_queue, exclusive per-proxy reply queue)
// lives outside this process and is addressed by URL.
type WebSocketTransport struct {
	URL       string
	QueueName queue.QueueName // non-empty for workers consuming rpc_queue; empty to request an exclusive queue
	Dialer    *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport builds a transport targeting url. queueName is the
// fixed routing key to subscribe to (rpc_queue for workers); leave empty
// for the proxy, which is assigned an exclusive reply queue by the gateway
// on connect.
func NewWebSocketTransport(url string, queueName queue.QueueName) *WebSocketTransport {
	return &WebSocketTransport{URL: url, QueueName: queueName, Dialer: websocket.DefaultDialer}
}

func (t *WebSocketTransport) Connect(ctx context.Context) (queue.QueueName, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, t.URL, nil)
	if err != nil {
		return "", fmt.Errorf("broker: dial: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	subscribe := wireMessage{Queue: "subscribe", Envelope: queue.Envelope{Headers: map[string]string{"queue": string(t.QueueName)}}}
	if err := conn.WriteJSON(subscribe); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("broker: subscribe: %w", err)
	}

	var ack wireMessage
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("broker: subscribe ack: %w", err)
	}
	inbound := t.QueueName
	if inbound == "" {
		if v, ok := ack.Envelope.Headers["queue"]; ok {
			inbound = queue.QueueName(v)
		}
	}
	return inbound, nil
}

func (t *WebSocketTransport) Publish(ctx context.Context, q queue.QueueName, env queue.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	msg := wireMessage{Queue: q, Envelope: env}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: marshal publish: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Ack sends an ack control frame naming the consumed envelope, releasing
// it on the broker side so it is never redelivered.
func (t *WebSocketTransport) Ack(ctx context.Context, env queue.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	msg := wireMessage{Queue: "ack", Envelope: queue.Envelope{ID: env.ID, Type: "ack"}}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: marshal ack: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (t *WebSocketTransport) Recv(ctx context.Context) (queue.Envelope, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return queue.Envelope{}, ErrNotConnected
	}
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return queue.Envelope{}, err
	}
	return msg.Envelope, nil
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
