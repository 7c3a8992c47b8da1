package queue

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func testTime(n int) time.Time {
	return time.Date(2026, 7, 1, 12, 0, n, 0, time.UTC)
}

func putRecord(t *testing.T, s *MemoryDLQStore, n int) {
	t.Helper()
	env := Envelope{Type: "http.request", ID: EnvelopeID(fmt.Sprintf("env-%d", n))}
	rec, err := NewDLQRecord("persistence.dropped", env, 0, "queue at hard cap", testTime(n))
	if err != nil {
		t.Fatalf("NewDLQRecord: %v", err)
	}
	if err := s.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestMemoryDLQStore_EvictsOldestBeyondBound(t *testing.T) {
	s := NewMemoryDLQStore(3)
	for i := 0; i < 5; i++ {
		putRecord(t, s, i)
	}
	if s.Len() != 3 {
		t.Fatalf("expected bound of 3 retained, got %d", s.Len())
	}

	recs, err := s.List(context.Background(), "persistence.dropped", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 listed, got %d", len(recs))
	}
	if recs[0].Envelope.ID != "env-2" {
		t.Fatalf("expected oldest two evicted, first retained is %q", recs[0].Envelope.ID)
	}
}

func TestMemoryDLQStore_GetAndDelete(t *testing.T) {
	s := NewMemoryDLQStore(10)
	putRecord(t, s, 1)

	recs, err := s.List(context.Background(), "", 0)
	if err != nil || len(recs) != 1 {
		t.Fatalf("List: %v (n=%d)", err, len(recs))
	}
	id := recs[0].RecordID
	if id == "" {
		t.Fatal("expected the store to assign a record id")
	}

	if _, err := s.Get(context.Background(), id); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store after delete, got %d", s.Len())
	}
	if _, err := s.Get(context.Background(), id); err == nil {
		t.Fatal("expected Get after delete to fail")
	}
}

func TestMemoryDLQStore_ListFiltersByQueue(t *testing.T) {
	s := NewMemoryDLQStore(10)
	putRecord(t, s, 1)

	env := Envelope{Type: "http.request", ID: "other"}
	rec, err := NewDLQRecord("other.queue", env, 0, "reason", testTime(9))
	if err != nil {
		t.Fatalf("NewDLQRecord: %v", err)
	}
	if err := s.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	recs, err := s.List(context.Background(), "other.queue", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].Queue != "other.queue" {
		t.Fatalf("expected only the other.queue record, got %+v", recs)
	}
}
