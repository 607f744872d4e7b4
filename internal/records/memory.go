package records

import (
	"context"
	"slices"
	"sort"
	"sync"

	"lexdesk.app/internal/auth"
)

type memoryKey struct {
	org  string
	kind Kind
}

// MemoryStore keeps records in process memory, partitioned by organization.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[memoryKey][]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[memoryKey][]*Record)}
}

func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey{rec.OrganizationID, rec.Kind}
	cp := *rec
	cp.Data = slices.Clone(rec.Data)
	rows := append(m.rows[key], &cp)
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	m.rows[key] = rows
	return nil
}

func (m *MemoryStore) Get(_ context.Context, orgID string, kind Kind, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.rows[memoryKey{orgID, kind}] {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *MemoryStore) List(_ context.Context, orgID string, kind Kind, opts ListOptions) ([]*Record, error) {
	opts = opts.normalized()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0)
	for _, rec := range m.rows[memoryKey{orgID, kind}] {
		if opts.After != "" && rec.ID <= opts.After {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}
