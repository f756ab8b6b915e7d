package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/registry"
	"github.com/sells-group/loregraph/internal/resilience"
)

type chapterKey struct {
	bookID  string
	chapter int
}

// MemoryStore is an in-process Store. State is lost on Close.
type MemoryStore struct {
	*resilience.MemoryQueue

	mu        sync.RWMutex
	snapshots map[string][]byte
	statuses  map[string]model.BookStatus
	grounded  map[chapterKey][]model.GroundedEntity
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		MemoryQueue: resilience.NewMemoryQueue(),
		snapshots:   make(map[string][]byte),
		statuses:    make(map[string]model.BookStatus),
		grounded:    make(map[chapterKey][]model.GroundedEntity),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// SaveRegistry stores snap as JSON so later mutation of the caller's
// registry cannot leak into the stored copy.
func (m *MemoryStore) SaveRegistry(_ context.Context, bookID string, snap registry.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "memory: marshal snapshot")
	}
	m.mu.Lock()
	m.snapshots[bookID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadRegistry(_ context.Context, bookID string) (*registry.Snapshot, error) {
	m.mu.RLock()
	data, ok := m.snapshots[bookID]
	m.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "registry snapshot for book %s", bookID)
	}
	var snap registry.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrap(err, "memory: unmarshal snapshot")
	}
	return &snap, nil
}

func (m *MemoryStore) PutBookStatus(_ context.Context, status model.BookStatus) error {
	m.mu.Lock()
	m.statuses[status.BookID] = status
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetBookStatus(_ context.Context, bookID string) (*model.BookStatus, error) {
	m.mu.RLock()
	st, ok := m.statuses[bookID]
	m.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "book status %s", bookID)
	}
	return &st, nil
}

func (m *MemoryStore) SaveGroundedEntities(_ context.Context, bookID string, chapter int, ents []model.GroundedEntity) (int, error) {
	if len(ents) == 0 {
		return 0, nil
	}
	replaced := make(map[string]bool)
	for _, p := range passNames(ents) {
		replaced[p] = true
	}

	k := chapterKey{bookID, chapter}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]model.GroundedEntity, 0, len(m.grounded[k])+len(ents))
	for _, e := range m.grounded[k] {
		if !replaced[e.PassName] {
			kept = append(kept, e)
		}
	}
	m.grounded[k] = append(kept, ents...)
	return len(ents), nil
}

func (m *MemoryStore) ListGroundedEntities(_ context.Context, bookID string, chapter int) ([]model.GroundedEntity, error) {
	m.mu.RLock()
	out := append([]model.GroundedEntity{}, m.grounded[chapterKey{bookID, chapter}]...)
	m.mu.RUnlock()
	sortGrounded(out)
	return out, nil
}
