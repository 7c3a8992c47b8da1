package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
)

func TestRegistry_BeginResolveAwait(t *testing.T) {
	r := New(nil)
	id := model.CorrelationID("corr-1")
	if err := r.Begin(id, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	go r.Resolve(id, []byte("reply-bytes"))

	got, err := r.Await(context.Background(), id)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(got) != "reply-bytes" {
		t.Fatalf("got %q", got)
	}
	if r.Len() != 0 {
		t.Fatalf("expected registry to drain, len=%d", r.Len())
	}
}

func TestRegistry_TimeoutThenLateResolveIsNoOp(t *testing.T) {
	r := New(nil)
	id := model.CorrelationID("corr-2")
	if err := r.Begin(id, time.Now().Add(time.Millisecond)); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	_, err := r.Await(context.Background(), id)
	if err != ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected registry to drain after timeout, len=%d", r.Len())
	}

	// a late reply after timeout must be discarded, not panic or block.
	r.Resolve(id, []byte("too-late"))
	if r.Len() != 0 {
		t.Fatalf("late resolve must not resurrect the entry, len=%d", r.Len())
	}
}

func TestRegistry_NoCrossTalkAmongConcurrentWaiters(t *testing.T) {
	r := New(nil)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := model.CorrelationID(fmt.Sprintf("corr-%02d", i))
			want := fmt.Sprintf("reply-%02d", i)
			if err := r.Begin(id, time.Now().Add(2*time.Second)); err != nil {
				t.Errorf("Begin(%d): %v", i, err)
				return
			}
			go r.Resolve(id, []byte(want))
			got, err := r.Await(context.Background(), id)
			if err != nil {
				t.Errorf("Await(%d): %v", i, err)
				return
			}
			if string(got) != want {
				t.Errorf("cross-talk: waiter %d got %q", i, got)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Fatalf("expected registry to drain, len=%d", r.Len())
	}
}

func TestRegistry_BeginRejectsDuplicateID(t *testing.T) {
	r := New(nil)
	id := model.CorrelationID("dup")
	if err := r.Begin(id, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := r.Begin(id, time.Now().Add(time.Second)); !errors.Is(err, ErrAlreadyBegun) {
		t.Fatalf("expected ErrAlreadyBegun, got %v", err)
	}
	r.Resolve(id, []byte("x"))
}
