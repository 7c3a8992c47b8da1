package broker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/queue"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/telemetry"
)

// State is a Session's lifecycle stage.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateReady
	StateDisconnected
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// channelOp is work that must run on the Session's owning goroutine,
// because the underlying Transport is not safe for concurrent use.
type channelOp struct {
	run    func(ctx context.Context) error
	result chan error
}

// SessionOptions configures reconnect behavior.
type SessionOptions struct {
	ReconnectDelay     time.Duration
	ReconnectJitterPct int
	MailboxSize        int
	Logger             *telemetry.Logger
}

// Session owns one broker connection and one logical channel. All publishes
// are funneled through EnqueueChannelOp onto the goroutine running Run;
// inbound envelopes are delivered on Consume(). On connection loss it
// transitions to disconnected, backs off, and reconnects in place — this is
// the "broker session loop" task the supervisor watches and restarts if it
// exits unexpectedly.
type Session struct {
	transport Transport
	opts      SessionOptions

	state      atomic.Int32
	replyQueue atomic.Value // queue.QueueName

	mailbox chan channelOp
	inbound chan queue.Envelope
}

// NewSession wraps transport with reconnect-with-backoff and single-writer
// publish semantics.
func NewSession(transport Transport, opts SessionOptions) *Session {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.ReconnectJitterPct <= 0 {
		opts.ReconnectJitterPct = 20
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop
	}
	s := &Session{
		transport: transport,
		opts:      opts,
		mailbox:   make(chan channelOp, opts.MailboxSize),
		inbound:   make(chan queue.Envelope, opts.MailboxSize),
	}
	s.state.Store(int32(StateInit))
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// ReplyQueue returns this session's exclusive inbound queue name, valid
// once State() == StateReady.
func (s *Session) ReplyQueue() queue.QueueName {
	v, _ := s.replyQueue.Load().(queue.QueueName)
	return v
}

// Run drives the connect/serve/reconnect loop until ctx is cancelled. It is
// meant to be the body of the supervisor's "broker session loop" task.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateTerminal)
			return ctx.Err()
		}

		s.setState(StateConnecting)
		inboundQueue, err := s.transport.Connect(ctx)
		if err != nil {
			s.setState(StateDisconnected)
			s.opts.Logger.Warn(ctx, "broker connect failed", map[string]any{"error": err, "attempt": attempt})
			if !s.sleepBackoff(ctx, attempt) {
				s.setState(StateTerminal)
				return ctx.Err()
			}
			attempt++
			continue
		}

		s.replyQueue.Store(inboundQueue)
		s.setState(StateReady)
		attempt = 0

		err = s.serve(ctx)
		s.setState(StateDisconnected)
		_ = s.transport.Close()

		if ctx.Err() != nil {
			s.setState(StateTerminal)
			return ctx.Err()
		}
		s.opts.Logger.Warn(ctx, "broker session lost", map[string]any{"error": err})
		if !s.sleepBackoff(ctx, attempt) {
			s.setState(StateTerminal)
			return ctx.Err()
		}
		attempt++
	}
}

func (s *Session) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := deterministicJitter(s.opts.ReconnectDelay, s.opts.ReconnectJitterPct, "broker-reconnect", attempt)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// serve drains the mailbox (single-writer publishes) and the transport's
// read loop until either is interrupted by a connection error or ctx.
func (s *Session) serve(ctx context.Context) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			env, err := s.transport.Recv(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case s.inbound <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case op := <-s.mailbox:
			err := op.run(ctx)
			op.result <- err
			if err != nil {
				return err
			}
		}
	}
}

// EnqueueChannelOp posts f to run on the Session's owning goroutine. While
// the session is not ready, callers receive ErrNotConnected synchronously
// without ever touching the mailbox.
func (s *Session) EnqueueChannelOp(ctx context.Context, f func(ctx context.Context) error) error {
	if s.State() != StateReady {
		return ErrNotConnected
	}
	op := channelOp{run: f, result: make(chan error, 1)}
	select {
	case s.mailbox <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish posts a single envelope publish as a channel op.
func (s *Session) Publish(ctx context.Context, q queue.QueueName, env queue.Envelope) error {
	return s.EnqueueChannelOp(ctx, func(ctx context.Context) error {
		return s.transport.Publish(ctx, q, env)
	})
}

// Ack posts an acknowledgement for a consumed envelope as a channel op, so
// the broker releases it instead of redelivering.
func (s *Session) Ack(ctx context.Context, env queue.Envelope) error {
	return s.EnqueueChannelOp(ctx, func(ctx context.Context) error {
		return s.transport.Ack(ctx, env)
	})
}

// Consume returns the stream of inbound envelopes addressed to this
// session's queue.
func (s *Session) Consume() <-chan queue.Envelope {
	return s.inbound
}
