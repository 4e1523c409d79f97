package repo

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tinoosan/cidscope/internal/data"
)

type InMemoryEntryRepo struct {
	mu      sync.RWMutex
	entries data.Entries
	byCID   map[string][]int
}

func NewInMemoryEntryRepo() *InMemoryEntryRepo {
	return &InMemoryEntryRepo{
		entries: make(data.Entries, 0),
		byCID:   make(map[string][]int),
	}
}

func (r *InMemoryEntryRepo) List(ctx context.Context, limit int) (data.Entries, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	es := r.entries
	if limit > 0 && len(es) > limit {
		es = es[len(es)-limit:]
	}
	return es.Clone(), nil
}

func (r *InMemoryEntryRepo) Get(ctx context.Context, id string) (*data.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.ID == id {
			return e.Clone(), nil
		}
	}
	return nil, data.ErrNotFound
}

func (r *InMemoryEntryRepo) ListByCorrelation(ctx context.Context, correlationID string) (data.Entries, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(data.Entries, 0, len(r.byCID[correlationID]))
	for _, i := range r.byCID[correlationID] {
		out = append(out, r.entries[i].Clone())
	}
	return out, nil
}

func (r *InMemoryEntryRepo) Add(ctx context.Context, e *data.Entry) (*data.Entry, error) {
	if !e.Source.Valid() {
		return nil, data.ErrBadSource
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := e.Clone()
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	r.entries = append(r.entries, saved)
	if saved.CorrelationID != "" {
		r.byCID[saved.CorrelationID] = append(r.byCID[saved.CorrelationID], len(r.entries)-1)
	}
	return saved.Clone(), nil
}
