package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
// Implementations map driver failures to ErrStoreUnavailable and uniqueness
// conflicts to ErrDuplicateEmail or ErrDuplicateSlug.
type Store interface {
	Organizations() OrganizationStore
	Accounts() AccountStore
}

// OrganizationStore manages tenants.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
	FindBySlug(ctx context.Context, slug string) (*Organization, error)
	List(ctx context.Context) ([]*Organization, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// AccountStore manages accounts. Mutations that change what a token asserts
// (activation, role, password) increment the account's token generation.
// Methods taking orgID return ErrNotFound for accounts of another organization.
type AccountStore interface {
	Create(ctx context.Context, acc *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	ListByOrg(ctx context.Context, orgID string) ([]*Account, error)
	// CountAdmins counts administrators of orgID, active or not.
	CountAdmins(ctx context.Context, orgID string) (int, error)
	SetActive(ctx context.Context, orgID, id string, active bool) error
	UpdateRole(ctx context.Context, orgID, id string, role Role) error
	UpdatePassword(ctx context.Context, id, passwordHash string, mustRotate bool) error
	// ReplaceHash swaps the stored hash for an equivalent one without
	// revoking sessions.
	ReplaceHash(ctx context.Context, id, passwordHash string) error
	TokenGeneration(ctx context.Context, id string) (int64, error)
}
