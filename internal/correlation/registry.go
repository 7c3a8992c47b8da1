// Package correlation implements the proxy-side correlation registry: a
// single mutex-guarded map from correlation id to a one-shot waiter, woken
// either by a matching reply or by its own deadline.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/telemetry"
)

// ErrAlreadyBegun is returned by Begin when the id is already registered.
var ErrAlreadyBegun = errors.New("correlation: id already begun")

// ErrTimedOut is returned by Await when the deadline elapses before a reply
// arrives.
var ErrTimedOut = errors.New("correlation: timed out")

// ErrInvalidDeadline is returned by Begin when the deadline is not strictly
// in the future.
var ErrInvalidDeadline = errors.New("correlation: deadline must be in the future")

type entry struct {
	deadline time.Time
	// wake is buffered (cap 1) so Resolve never blocks on a waiter that
	// hasn't called Await yet, and Await never blocks on a Resolve that
	// already ran.
	wake chan []byte
}

// Registry maps correlation id to pending waiter. No other lock may be
// taken while the registry's mutex is held.
type Registry struct {
	mu      sync.Mutex
	entries map[model.CorrelationID]*entry

	counters *telemetry.Counters
}

// New constructs an empty registry. A nil counters uses telemetry.Global.
func New(counters *telemetry.Counters) *Registry {
	if counters == nil {
		counters = telemetry.Global
	}
	return &Registry{entries: make(map[model.CorrelationID]*entry), counters: counters}
}

// Begin inserts a pending entry for id with the given deadline, which must
// be strictly in the future. It pre-registers the wake channel so a Resolve
// racing ahead of the matching Await is never lost.
func (r *Registry) Begin(id model.CorrelationID, deadline time.Time) error {
	if !deadline.After(time.Now()) {
		return ErrInvalidDeadline
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyBegun, id)
	}
	r.entries[id] = &entry{deadline: deadline, wake: make(chan []byte, 1)}
	return nil
}

// Await blocks until id is resolved by a matching reply or its deadline
// elapses, whichever comes first. Either way the entry is removed before
// Await returns.
func (r *Registry) Await(ctx context.Context, id model.CorrelationID) ([]byte, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("correlation: %s: no such entry", id)
	}

	timer := time.NewTimer(time.Until(e.deadline))
	defer timer.Stop()

	select {
	case b := <-e.wake:
		r.remove(id)
		return b, nil
	case <-timer.C:
		r.remove(id)
		return nil, ErrTimedOut
	case <-ctx.Done():
		r.remove(id)
		return nil, ctx.Err()
	}
}

// Resolve wakes the waiter for id with the reply bytes. If id is absent
// (a late reply arriving after Await already timed out and removed the
// entry) the bytes are discarded and the late-reply counter is
// incremented; this is a no-op, not an error, from the broker consumer's
// point of view.
func (r *Registry) Resolve(id model.CorrelationID, reply []byte) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		r.counters.IncLateReply()
		return
	}
	e.wake <- reply
}

// remove deletes id from the map if still present; used once the caller
// side (Await) has already decided the outcome.
func (r *Registry) remove(id model.CorrelationID) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Len reports the number of pending entries; used by tests to assert the
// registry drains back to zero after late replies and timeouts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
