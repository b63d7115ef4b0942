package meta

import (
	"context"
	"sync"

	"github.com/jacktea/xgallery/pkg/xerrors"
)

// UnknownAuthor is shown for records persisted without attribution.
const UnknownAuthor = "Unknown"

// Record is the metadata for one gallery image. ID is immutable and unique.
type Record struct {
	ID           string `json:"id"`
	ImageURL     string `json:"image_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	Author       string `json:"author"`
}

func (r Record) normalized() Record {
	if r.Author == "" {
		r.Author = UnknownAuthor
	}
	return r
}

// Store is the durable record store. Insert stages a record (replacing any
// staged or stored record with the same ID); Save commits staged records.
// Staged records are visible to FetchByID and FetchAll before Save.
type Store interface {
	FetchAll(ctx context.Context) ([]Record, error)
	FetchByID(ctx context.Context, id string) (Record, error)
	Insert(ctx context.Context, rec Record) error
	Save(ctx context.Context) error
	Close() error
}

func notFound(op, id string) error {
	return xerrors.E(xerrors.KindNotFound, op, id)
}

// MemoryStore is a simple in-memory implementation for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	order   []string
	records map[string]Record
	saves   int
}

// NewMemoryStore creates an empty record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) FetchAll(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id])
	}
	return out, nil
}

func (m *MemoryStore) FetchByID(ctx context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, notFound("memory.FetchByID", id)
	}
	return rec, nil
}

func (m *MemoryStore) Insert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		m.order = append(m.order, rec.ID)
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	return nil
}

// Saves reports how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *MemoryStore) Close() error { return nil }
