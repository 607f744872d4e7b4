package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/samber/oops"

	"lexdesk.app/internal/auth"
)

const (
	orgSlugConstraint   = "organizations_slug_key"
	accountEmailIndex   = "accounts_email_key"
	accountColumns      = `id, organization_id, name, email, password_hash, role, active, must_rotate, token_generation, created_at, updated_at`
	organizationColumns = `id, name, slug, plan, active, created_at`
)

// Store is the PostgreSQL credential store.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

var _ auth.Store = (*Store)(nil)

// NewStore wraps db. A zero timeout uses the package default.
func NewStore(db *sql.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Store{db: db, timeout: timeout}
}

func (s *Store) Organizations() auth.OrganizationStore { return organizationStore{s} }
func (s *Store) Accounts() auth.AccountStore           { return accountStore{s} }

// Ping reports whether the database answers within the query timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return mapError(s.db.PingContext(ctx))
}

func (s *Store) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrganization(row rowScanner) (*auth.Organization, error) {
	var (
		org  auth.Organization
		plan string
	)
	if err := row.Scan(&org.ID, &org.Name, &org.Slug, &plan, &org.Active, &org.CreatedAt); err != nil {
		return nil, err
	}
	p, err := auth.ParsePlan(plan)
	if err != nil {
		return nil, oops.Code("PG_CORRUPT_ROW").With("organization_id", org.ID).Wrap(err)
	}
	org.Plan = p
	return &org, nil
}

func scanAccount(row rowScanner) (*auth.Account, error) {
	var (
		acc  auth.Account
		role string
	)
	if err := row.Scan(&acc.ID, &acc.OrganizationID, &acc.Name, &acc.Email, &acc.PasswordHash, &role,
		&acc.Active, &acc.MustRotate, &acc.TokenGeneration, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, err
	}
	r, err := auth.ParseRole(role)
	if err != nil {
		return nil, oops.Code("PG_CORRUPT_ROW").With("account_id", acc.ID).Wrap(err)
	}
	acc.Role = r
	return &acc, nil
}

type organizationStore struct{ s *Store }

func (o organizationStore) Create(ctx context.Context, org *auth.Organization) error {
	ctx, cancel := o.s.ctx(ctx)
	defer cancel()
	err := o.s.db.QueryRowContext(ctx, `
		insert into organizations (id, name, slug, plan, active, created_at)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, org.ID, org.Name, org.Slug, org.Plan.String(), org.Active, org.CreatedAt).Scan(&org.CreatedAt)
	if isUniqueViolation(err, orgSlugConstraint) {
		return auth.ErrDuplicateSlug
	}
	return mapError(err)
}

func (o organizationStore) Find(ctx context.Context, id string) (*auth.Organization, error) {
	ctx, cancel := o.s.ctx(ctx)
	defer cancel()
	org, err := scanOrganization(o.s.db.QueryRowContext(ctx,
		`select `+organizationColumns+` from organizations where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return org, mapError(err)
}

func (o organizationStore) FindBySlug(ctx context.Context, slug string) (*auth.Organization, error) {
	ctx, cancel := o.s.ctx(ctx)
	defer cancel()
	org, err := scanOrganization(o.s.db.QueryRowContext(ctx,
		`select `+organizationColumns+` from organizations where slug = $1`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return org, mapError(err)
}

func (o organizationStore) List(ctx context.Context) ([]*auth.Organization, error) {
	ctx, cancel := o.s.ctx(ctx)
	defer cancel()
	rows, err := o.s.db.QueryContext(ctx, `select `+organizationColumns+` from organizations order by id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []*auth.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, mapError(err)
		}
		result = append(result, org)
	}
	return result, mapError(rows.Err())
}

func (o organizationStore) SetActive(ctx context.Context, id string, active bool) error {
	ctx, cancel := o.s.ctx(ctx)
	defer cancel()
	res, err := o.s.db.ExecContext(ctx, `update organizations set active = $2 where id = $1`, id, active)
	return affectedOne(res, err)
}

type accountStore struct{ s *Store }

func (a accountStore) Create(ctx context.Context, acc *auth.Account) error {
	ctx, cancel := a.s.ctx(ctx)
	defer cancel()
	_, err := a.s.db.ExecContext(ctx, `
		insert into accounts (id, organization_id, name, email, password_hash, role, active, must_rotate, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, acc.ID, acc.OrganizationID, acc.Name, acc.Email, acc.PasswordHash, acc.Role.String(), acc.Active, acc.MustRotate, acc.CreatedAt)
	switch {
	case isUniqueViolation(err, accountEmailIndex):
		return auth.ErrDuplicateEmail
	case isForeignKeyViolation(err):
		return auth.ErrNotFound
	}
	return mapError(err)
}

func (a accountStore) Find(ctx context.Context, id string) (*auth.Account, error) {
	ctx, cancel := a.s.ctx(ctx)
	defer cancel()
	acc, err := scanAccount(a.s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return acc, mapError(err)
}

func (a accountStore) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	ctx, cancel := a.s.ctx(ctx)
	defer cancel()
	acc, err := scanAccount(a.s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where email = $1`, auth.NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return acc, mapError(err)
}

func (a accountStore) ListByOrg(ctx context.Context, orgID string) ([]*auth.Account, error) {
	ctx, cancel := a.s.ctx(ctx)
	defer cancel()
	rows, err := a.s.db.QueryContext(ctx,
		`select `+accountColumns+` from accounts where organization_id = $1 order by id`, orgID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []*auth.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, mapError(err)
		}
		result = append(result, acc)
	}
	return result, mapError(rows.Err())
}

func (a accountStore) CountAdmins(ctx context.Context, orgID string) (int, error) {
	ctx, cancel := a.s.ctx(ctx)
	defer cancel()
	var n int
	err := a.s.db.QueryRowContext(ctx, `
		select count(*) from accounts
		where organization_id = $1 and role = 'admin'
	`, orgID).Scan(&n)
	return n, mapError(err)
}

func (a accountStore) SetActive(ctx context.Context, orgID, id string, active bool) error {
	ctx, cancel := a.s.ctx(ctx)
	defer cancel()
	res, err := a.s.db.ExecContext(ctx, `
		update accounts
		set active = $3, token_generation = token_generation + 1, updated_at = now()
		where organization_id = $1 and id = $2
	`, orgID, id, active)
	return affectedOne(res, err)
}

func (a accountStore) UpdateRole(ctx context.Context, orgID, id string, role auth.Role) error {
	ctx, cancel := a.s.ctx(ctx)
	defer cancel()
	res, err := a.s.db.ExecContext(ctx, `
		update accounts
		set role = $3, token_generation = token_generation + 1, updated_at = now()
		where organization_id = $1 and id = $2
	`, orgID, id, role.String())
	return affectedOne(res, err)
}

func (a accountStore) UpdatePassword(ctx context.Context, id, passwordHash string, mustRotate bool) error {
	ctx, cancel := a.s.ctx(ctx)
	defer cancel()
	res, err := a.s.db.ExecContext(ctx, `
		update accounts
		set password_hash = $2, must_rotate = $3, token_generation = token_generation + 1, updated_at = now()
		where id = $1
	`, id, passwordHash, mustRotate)
	return affectedOne(res, err)
}

func (a accountStore) ReplaceHash(ctx context.Context, id, passwordHash string) error {
	ctx, cancel := a.s.ctx(ctx)
	defer cancel()
	res, err := a.s.db.ExecContext(ctx, `update accounts set password_hash = $2 where id = $1`, id, passwordHash)
	return affectedOne(res, err)
}

func (a accountStore) TokenGeneration(ctx context.Context, id string) (int64, error) {
	ctx, cancel := a.s.ctx(ctx)
	defer cancel()
	var gen int64
	err := a.s.db.QueryRowContext(ctx, `select token_generation from accounts where id = $1`, id).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, auth.ErrNotFound
	}
	return gen, mapError(err)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
