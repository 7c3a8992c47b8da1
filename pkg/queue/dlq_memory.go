package queue

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
)

// MemoryDLQStore is an in-process DLQStore, bounded by MaxRecords. It backs
// the persistence pipeline's drop-ledger (internal/persistence) when no
// external dead-letter store is configured; the admin /status endpoint
// reports its length as "dropped_in_ledger".
type MemoryDLQStore struct {
	MaxRecords int

	mu      sync.Mutex
	order   []string
	records map[string]DLQRecord
	seq     int
}

// NewMemoryDLQStore constructs a bounded in-memory DLQStore. maxRecords <= 0
// defaults to 1000.
func NewMemoryDLQStore(maxRecords int) *MemoryDLQStore {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &MemoryDLQStore{MaxRecords: maxRecords, records: make(map[string]DLQRecord)}
}

func (m *MemoryDLQStore) Put(ctx context.Context, rec DLQRecord) error {
	norm, err := NormalizeDLQRecord(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if norm.RecordID == "" {
		m.seq++
		norm.RecordID = "dlq-" + strconv.Itoa(m.seq)
	}
	if _, exists := m.records[norm.RecordID]; !exists {
		m.order = append(m.order, norm.RecordID)
	}
	m.records[norm.RecordID] = norm

	for len(m.order) > m.MaxRecords {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.records, oldest)
	}
	return nil
}

func (m *MemoryDLQStore) Get(ctx context.Context, recordID string) (DLQRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return DLQRecord{}, errors.New("queue: dlq record not found")
	}
	return rec, nil
}

func (m *MemoryDLQStore) List(ctx context.Context, q QueueName, limit int) ([]DLQRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DLQRecord, 0, len(m.order))
	for _, id := range m.order {
		rec := m.records[id]
		if q != "" && rec.Queue != q {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadLetteredAt.Before(out[j].DeadLetteredAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryDLQStore) Delete(ctx context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[recordID]; !ok {
		return nil
	}
	delete(m.records, recordID)
	for i, id := range m.order {
		if id == recordID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len reports the number of records currently retained.
func (m *MemoryDLQStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}
