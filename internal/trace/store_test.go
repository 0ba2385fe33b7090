package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/engine"
)

// mockRepository records inserts and prunes with optional blocking.
type mockRepository struct {
	mu       sync.Mutex
	inserted []Entry
	pruned   map[string]int
	attempts int
	blockCh  chan struct{} // when set, Insert waits for a receive

	insertErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{pruned: make(map[string]int)}
}

func (m *mockRepository) Insert(_ context.Context, e *Entry) error {
	if m.blockCh != nil {
		<-m.blockCh
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted = append(m.inserted, *e)
	return nil
}

func (m *mockRepository) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *mockRepository) List(_ context.Context, _ Filter) (*ListResult, error) {
	return &ListResult{Entries: []Entry{}}, nil
}

func (m *mockRepository) Prune(_ context.Context, uuid string, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned[uuid] = keep
	return 0, nil
}

func (m *mockRepository) insertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inserted)
}

func testTraceEntry(uuid string) engine.TraceEntry {
	return engine.TraceEntry{
		Time:      time.Now().UTC(),
		DeviceID:  uuid,
		Direction: engine.TraceTX,
		Transport: "http",
		Namespace: "Appliance.Control.ToggleX",
		Method:    "SET",
		Payload:   map[string]any{"togglex": map[string]any{"channel": 0, "onoff": 1}},
	}
}

func TestNewStore_RequiresRepository(t *testing.T) {
	_, err := NewStore(StoreOptions{})
	if !errors.Is(err, ErrNilRepository) {
		t.Errorf("NewStore() error = %v, want ErrNilRepository", err)
	}
}

func TestStore_RecordPersists(t *testing.T) {
	repo := newMockRepository()
	store, err := NewStore(StoreOptions{Repository: repo})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		store.Record(testTraceEntry("dev-aaa"))
	}
	store.Stop()

	if got := repo.insertCount(); got != 3 {
		t.Errorf("inserted %d entries, want 3", got)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	e := repo.inserted[0]
	if e.UUID != "dev-aaa" {
		t.Errorf("UUID = %q, want dev-aaa", e.UUID)
	}
	if e.Direction != engine.TraceTX {
		t.Errorf("Direction = %q, want %q", e.Direction, engine.TraceTX)
	}
	if e.Namespace != "Appliance.Control.ToggleX" {
		t.Errorf("Namespace = %q, want Appliance.Control.ToggleX", e.Namespace)
	}
}

func TestStore_RecordNeverBlocks(t *testing.T) {
	repo := newMockRepository()
	repo.blockCh = make(chan struct{})

	store, err := NewStore(StoreOptions{Repository: repo, BufferSize: 1})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	// First entry is picked up by the worker and blocks in Insert.
	store.Record(testTraceEntry("dev-aaa"))

	// Wait for the worker to be inside Insert so the buffer is empty.
	deadline := time.After(time.Second)
	for len(store.entries) != 0 {
		select {
		case <-deadline:
			t.Fatal("worker never picked up first entry")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Second fills the buffer, third must be dropped without blocking.
	store.Record(testTraceEntry("dev-aaa"))
	store.Record(testTraceEntry("dev-aaa"))

	stats := store.Stats()
	if dropped := stats["dropped"].(uint64); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	// Release the worker and shut down: both surviving entries persist.
	close(repo.blockCh)
	store.Stop()

	if got := repo.insertCount(); got != 2 {
		t.Errorf("inserted %d entries, want 2", got)
	}
}

func TestStore_PrunesPeriodically(t *testing.T) {
	repo := newMockRepository()
	store, err := NewStore(StoreOptions{Repository: repo, MaxEntries: 10, BufferSize: pruneEvery * 2})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	for i := 0; i < pruneEvery; i++ {
		store.Record(testTraceEntry("dev-aaa"))
	}
	store.Stop()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if keep, ok := repo.pruned["dev-aaa"]; !ok || keep != 10 {
		t.Errorf("pruned[dev-aaa] = %d (present=%v), want keep 10", keep, ok)
	}
}

func TestStore_InsertErrorDoesNotStopWorker(t *testing.T) {
	repo := newMockRepository()
	repo.insertErr = errors.New("disk full")

	store, err := NewStore(StoreOptions{Repository: repo})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	store.Record(testTraceEntry("dev-aaa"))

	// Wait for the failed insert before recovering.
	deadline := time.After(time.Second)
	for repo.attemptCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("worker never attempted first insert")
		case <-time.After(5 * time.Millisecond):
		}
	}

	repo.mu.Lock()
	repo.insertErr = nil
	repo.mu.Unlock()

	store.Record(testTraceEntry("dev-aaa"))
	store.Stop()

	if got := repo.insertCount(); got != 1 {
		t.Errorf("inserted %d entries, want 1", got)
	}
}
