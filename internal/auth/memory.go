package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a non-durable Store for local development and tests.
// Everything is lost when the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	orgs     map[string]*Organization
	slugs    map[string]string
	accounts map[string]*Account
	emails   map[string]string
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:     make(map[string]*Organization),
		slugs:    make(map[string]string),
		accounts: make(map[string]*Account),
		emails:   make(map[string]string),
		now:      time.Now,
	}
}

func (m *MemoryStore) Organizations() OrganizationStore { return memoryOrgs{m} }
func (m *MemoryStore) Accounts() AccountStore           { return memoryAccounts{m} }

type memoryOrgs struct{ m *MemoryStore }

func (s memoryOrgs) Create(_ context.Context, org *Organization) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.slugs[org.Slug]; ok {
		return ErrDuplicateSlug
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = s.m.now().UTC()
	}
	cp := *org
	s.m.orgs[org.ID] = &cp
	s.m.slugs[org.Slug] = org.ID
	return nil
}

func (s memoryOrgs) Find(_ context.Context, id string) (*Organization, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	org, ok := s.m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s memoryOrgs) FindBySlug(ctx context.Context, slug string) (*Organization, error) {
	s.m.mu.RLock()
	id, ok := s.m.slugs[slug]
	s.m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Find(ctx, id)
}

func (s memoryOrgs) List(context.Context) ([]*Organization, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]*Organization, 0, len(s.m.orgs))
	for _, org := range s.m.orgs {
		cp := *org
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memoryOrgs) SetActive(_ context.Context, id string, active bool) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	org, ok := s.m.orgs[id]
	if !ok {
		return ErrNotFound
	}
	org.Active = active
	return nil
}

type memoryAccounts struct{ m *MemoryStore }

func (s memoryAccounts) Create(_ context.Context, acc *Account) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.orgs[acc.OrganizationID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.m.emails[acc.Email]; ok {
		return ErrDuplicateEmail
	}
	now := s.m.now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = acc.CreatedAt
	cp := *acc
	s.m.accounts[acc.ID] = &cp
	s.m.emails[acc.Email] = acc.ID
	return nil
}

func (s memoryAccounts) Find(_ context.Context, id string) (*Account, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	acc, ok := s.m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s memoryAccounts) FindByEmail(ctx context.Context, email string) (*Account, error) {
	s.m.mu.RLock()
	id, ok := s.m.emails[NormalizeEmail(email)]
	s.m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Find(ctx, id)
}

func (s memoryAccounts) ListByOrg(_ context.Context, orgID string) ([]*Account, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*Account
	for _, acc := range s.m.accounts {
		if acc.OrganizationID != orgID {
			continue
		}
		cp := *acc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memoryAccounts) CountAdmins(_ context.Context, orgID string) (int, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	n := 0
	for _, acc := range s.m.accounts {
		if acc.OrganizationID == orgID && acc.Role == RoleAdmin {
			n++
		}
	}
	return n, nil
}

// mutate applies fn to the account with id under the write lock. An empty
// orgID skips the tenant check.
func (s memoryAccounts) mutate(orgID, id string, bump bool, fn func(*Account)) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	acc, ok := s.m.accounts[id]
	if !ok || (orgID != "" && acc.OrganizationID != orgID) {
		return ErrNotFound
	}
	fn(acc)
	if bump {
		acc.TokenGeneration++
	}
	acc.UpdatedAt = s.m.now().UTC()
	return nil
}

func (s memoryAccounts) SetActive(_ context.Context, orgID, id string, active bool) error {
	return s.mutate(orgID, id, true, func(acc *Account) { acc.Active = active })
}

func (s memoryAccounts) UpdateRole(_ context.Context, orgID, id string, role Role) error {
	return s.mutate(orgID, id, true, func(acc *Account) { acc.Role = role })
}

func (s memoryAccounts) UpdatePassword(_ context.Context, id, passwordHash string, mustRotate bool) error {
	return s.mutate("", id, true, func(acc *Account) {
		acc.PasswordHash = passwordHash
		acc.MustRotate = mustRotate
	})
}

func (s memoryAccounts) ReplaceHash(_ context.Context, id, passwordHash string) error {
	return s.mutate("", id, false, func(acc *Account) { acc.PasswordHash = passwordHash })
}

func (s memoryAccounts) TokenGeneration(_ context.Context, id string) (int64, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	acc, ok := s.m.accounts[id]
	if !ok {
		return 0, ErrNotFound
	}
	return acc.TokenGeneration, nil
}
