package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memStore is a minimal in-memory Store for recorder tests.
type memStore struct {
	mu      sync.Mutex
	records []FailedDeduction
	fail    bool
}

func (m *memStore) Record(ctx context.Context, fd FailedDeduction) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return "", context.DeadlineExceeded
	}
	if fd.ID == "" {
		fd.ID = uuid.NewString()
	}
	fd.Status = StatusPending
	m.records = append(m.records, fd)
	return fd.ID, nil
}

func (m *memStore) Resolve(ctx context.Context, id string, status Status, resolver, notes string) error {
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (*FailedDeduction, error) {
	return nil, ErrNotFound
}

func (m *memStore) ListPending(ctx context.Context, limit int) ([]FailedDeduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]FailedDeduction(nil), m.records...)
	return out, nil
}

func (m *memStore) Close() error { return nil }

func TestRecorderDrainsOnClose(t *testing.T) {
	store := &memStore{}
	rec := NewRecorder(store, RecorderConfig{QueueSize: 16})

	for i := 0; i < 5; i++ {
		rec.Record(FailedDeduction{
			AccountID: "acct-1",
			Cost:      decimal.NewFromInt(int64(i)),
			Endpoint:  "/v1/chat/completions",
		})
	}
	rec.Close()

	got, _ := store.ListPending(context.Background(), 0)
	if len(got) != 5 {
		t.Fatalf("expected 5 records after drain, got %d", len(got))
	}
}

func TestRecorderNeverBlocksWhenFull(t *testing.T) {
	store := &memStore{fail: true}
	rec := NewRecorder(store, RecorderConfig{QueueSize: 1, WriteTimeout: 10 * time.Millisecond})
	defer rec.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			rec.Record(FailedDeduction{Cost: decimal.NewFromInt(1)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked the caller")
	}
}
