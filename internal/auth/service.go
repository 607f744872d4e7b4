package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/samber/oops"
	"golang.org/x/sync/semaphore"

	"lexdesk.app/internal/ids"
)

// DefaultAdminPassword is assigned to a bootstrapped administrator. The
// account is flagged MustRotate until the password is changed.
const DefaultAdminPassword = "ChangeMe!2024"

const minPasswordLen = 6

// CredentialService owns account and organization lifecycle and password
// verification.
type CredentialService struct {
	store   Store
	hasher  PasswordHasher
	hashSem *semaphore.Weighted
	logger  *slog.Logger
	now     func() time.Time
}

// CredentialOption configures CredentialService behavior.
type CredentialOption func(*CredentialService)

// WithHasher overrides the default bcrypt hasher.
func WithHasher(h PasswordHasher) CredentialOption {
	return func(s *CredentialService) {
		if h != nil {
			s.hasher = h
		}
	}
}

// WithHashConcurrency bounds how many hash computations may run at once.
func WithHashConcurrency(n int) CredentialOption {
	return func(s *CredentialService) {
		if n > 0 {
			s.hashSem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithLogger(l *slog.Logger) CredentialOption {
	return func(s *CredentialService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) CredentialOption {
	return func(s *CredentialService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewCredentialService constructs a CredentialService over store.
func NewCredentialService(store Store, opts ...CredentialOption) (*CredentialService, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	hasher, err := NewBcryptHasher(0)
	if err != nil {
		return nil, err
	}
	svc := &CredentialService{
		store:   store,
		hasher:  hasher,
		hashSem: semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Store exposes the underlying store to collaborators that need read access.
func (s *CredentialService) Store() Store { return s.store }

func (s *CredentialService) hash(ctx context.Context, password string) (string, error) {
	if err := s.hashSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.hashSem.Release(1)
	return s.hasher.Hash(password)
}

func (s *CredentialService) verify(ctx context.Context, password, hash string) (bool, error) {
	if err := s.hashSem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer s.hashSem.Release(1)
	return s.hasher.Verify(password, hash)
}

// CreateOrganization provisions a tenant.
func (s *CredentialService) CreateOrganization(ctx context.Context, name, slug string, plan Plan) (*Organization, error) {
	name = strings.TrimSpace(name)
	slug = strings.ToLower(strings.TrimSpace(slug))
	if name == "" {
		return nil, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	if !ValidSlug(slug) {
		return nil, fmt.Errorf("%w: invalid slug %q", ErrInvalidInput, slug)
	}
	if !plan.Valid() {
		return nil, fmt.Errorf("%w: invalid plan", ErrInvalidInput)
	}
	org := &Organization{
		ID:        ids.New(),
		Name:      name,
		Slug:      slug,
		Plan:      plan,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Organizations().Create(ctx, org); err != nil {
		return nil, oops.Code("AUTH_ORG_CREATE_FAILED").With("slug", slug).Wrap(err)
	}
	return org, nil
}

// SetOrganizationActive toggles a tenant. Accounts of an inactive organization cannot log in.
func (s *CredentialService) SetOrganizationActive(ctx context.Context, slug string, active bool) error {
	org, err := s.store.Organizations().FindBySlug(ctx, strings.ToLower(strings.TrimSpace(slug)))
	if err != nil {
		return err
	}
	return s.store.Organizations().SetActive(ctx, org.ID, active)
}

// Organization returns the tenant with id.
func (s *CredentialService) Organization(ctx context.Context, id string) (*Organization, error) {
	return s.store.Organizations().Find(ctx, id)
}

// OrganizationBySlug returns the tenant with slug.
func (s *CredentialService) OrganizationBySlug(ctx context.Context, slug string) (*Organization, error) {
	return s.store.Organizations().FindBySlug(ctx, strings.ToLower(strings.TrimSpace(slug)))
}

// CreateAccount registers a new active account. The plaintext password is
// only used to compute the hash.
func (s *CredentialService) CreateAccount(ctx context.Context, in NewAccount) (*Account, error) {
	name := strings.TrimSpace(in.Name)
	email := NormalizeEmail(in.Email)
	orgID := strings.TrimSpace(in.OrganizationID)
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	case !validEmail(email):
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	case orgID == "":
		return nil, fmt.Errorf("%w: organization is required", ErrInvalidInput)
	case !in.Role.Valid():
		return nil, fmt.Errorf("%w: invalid role", ErrInvalidInput)
	}
	if err := checkPassword(in.Password); err != nil {
		return nil, err
	}

	hash, err := s.hash(ctx, in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	acc := &Account{
		ID:             ids.New(),
		OrganizationID: orgID,
		Name:           name,
		Email:          email,
		PasswordHash:   hash,
		Role:           in.Role,
		Active:         true,
		MustRotate:     in.MustRotate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Accounts().Create(ctx, acc); err != nil {
		return nil, oops.Code("AUTH_ACCOUNT_CREATE_FAILED").
			With("organization_id", orgID).
			Wrap(err)
	}
	return acc, nil
}

// VerifyCredentials returns the active account matching email and password.
// Every failure other than a store outage is ErrInvalidCredentials.
func (s *CredentialService) VerifyCredentials(ctx context.Context, email, password string) (*Account, error) {
	acc, err := s.store.Accounts().FindByEmail(ctx, NormalizeEmail(email))
	target := s.hasher.dummyHash()
	switch {
	case err == nil:
		target = acc.PasswordHash
	case errors.Is(err, ErrNotFound):
		acc = nil
	default:
		return nil, oops.Code("AUTH_LOGIN_FAILED").Wrap(err)
	}

	ok, verr := s.verify(ctx, password, target)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if acc == nil {
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").With("reason", "unknown_email").Wrap(ErrInvalidCredentials)
	}
	if verr != nil {
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").
			With("reason", "unreadable_hash").
			With("account_id", acc.ID).
			Wrap(errors.Join(ErrInvalidCredentials, verr))
	}
	if !ok {
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").
			With("reason", "password_mismatch").
			With("account_id", acc.ID).
			Wrap(ErrInvalidCredentials)
	}
	if !acc.Active {
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").
			With("reason", "account_inactive").
			With("account_id", acc.ID).
			Wrap(ErrInvalidCredentials)
	}

	if s.hasher.NeedsUpgrade(acc.PasswordHash) {
		s.upgradeHash(ctx, acc, password)
	}
	return acc, nil
}

func (s *CredentialService) upgradeHash(ctx context.Context, acc *Account, password string) {
	hash, err := s.hash(ctx, password)
	if err != nil {
		s.logger.WarnContext(ctx, "password rehash failed", "account_id", acc.ID, "error", err)
		return
	}
	if err := s.store.Accounts().ReplaceHash(ctx, acc.ID, hash); err != nil {
		s.logger.WarnContext(ctx, "password rehash not stored", "account_id", acc.ID, "error", err)
		return
	}
	acc.PasswordHash = hash
}

// ListAccounts returns the team roster of orgID.
func (s *CredentialService) ListAccounts(ctx context.Context, orgID string) ([]*Account, error) {
	return s.store.Accounts().ListByOrg(ctx, orgID)
}

// Account returns the account with id.
func (s *CredentialService) Account(ctx context.Context, id string) (*Account, error) {
	return s.store.Accounts().Find(ctx, id)
}

// AccountByEmail returns the account registered under email.
func (s *CredentialService) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	return s.store.Accounts().FindByEmail(ctx, NormalizeEmail(email))
}

// SetActive activates or deactivates an account of orgID.
func (s *CredentialService) SetActive(ctx context.Context, orgID, accountID string, active bool) error {
	if err := s.store.Accounts().SetActive(ctx, orgID, accountID, active); err != nil {
		return oops.Code("AUTH_SET_ACTIVE_FAILED").With("account_id", accountID).Wrap(err)
	}
	return nil
}

// UpdateRole changes the role of an account of orgID.
func (s *CredentialService) UpdateRole(ctx context.Context, orgID, accountID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: invalid role", ErrInvalidInput)
	}
	if err := s.store.Accounts().UpdateRole(ctx, orgID, accountID, role); err != nil {
		return oops.Code("AUTH_UPDATE_ROLE_FAILED").With("account_id", accountID).Wrap(err)
	}
	return nil
}

// ResetPassword sets a new password chosen by an administrator. The owner
// must rotate it on next login.
func (s *CredentialService) ResetPassword(ctx context.Context, orgID, accountID, password string) error {
	acc, err := s.store.Accounts().Find(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.OrganizationID != orgID {
		return ErrNotFound
	}
	return s.setPassword(ctx, acc.ID, password, true)
}

// ChangePassword replaces the caller's own password after checking the current one.
func (s *CredentialService) ChangePassword(ctx context.Context, accountID, current, next string) error {
	acc, err := s.store.Accounts().Find(ctx, accountID)
	if err != nil {
		return err
	}
	ok, err := s.verify(ctx, current, acc.PasswordHash)
	if err != nil || !ok {
		return oops.Code("AUTH_INVALID_CREDENTIALS").With("account_id", accountID).Wrap(ErrInvalidCredentials)
	}
	if current == next {
		return fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}
	return s.setPassword(ctx, acc.ID, next, false)
}

func (s *CredentialService) setPassword(ctx context.Context, accountID, password string, mustRotate bool) error {
	if err := checkPassword(password); err != nil {
		return err
	}
	hash, err := s.hash(ctx, password)
	if err != nil {
		return err
	}
	if err := s.store.Accounts().UpdatePassword(ctx, accountID, hash, mustRotate); err != nil {
		return oops.Code("AUTH_PASSWORD_UPDATE_FAILED").With("account_id", accountID).Wrap(err)
	}
	return nil
}

func checkPassword(password string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	if len(password) < minPasswordLen {
		return fmt.Errorf("%w: password must have at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	return nil
}

// BootstrapConfig describes the seed organization and its first administrator.
type BootstrapConfig struct {
	OrganizationSlug string
	OrganizationName string
	AdminEmail       string
	AdminPassword    string
}

// Bootstrap makes sure the seed organization exists and has an
// administrator. Deactivated administrators count. It reports whether an
// administrator was created.
func (s *CredentialService) Bootstrap(ctx context.Context, cfg BootstrapConfig) (bool, error) {
	slug := strings.ToLower(strings.TrimSpace(cfg.OrganizationSlug))
	if slug == "" {
		slug = "master"
	}
	name := strings.TrimSpace(cfg.OrganizationName)
	if name == "" {
		name = "Master"
	}
	email := cfg.AdminEmail
	if strings.TrimSpace(email) == "" {
		email = "admin@" + slug + ".local"
	}
	password := cfg.AdminPassword
	usingDefault := password == ""
	if usingDefault {
		password = DefaultAdminPassword
	}

	org, err := s.store.Organizations().FindBySlug(ctx, slug)
	switch {
	case errors.Is(err, ErrNotFound):
		org, err = s.CreateOrganization(ctx, name, slug, PlanMaster)
		if err != nil && !errors.Is(err, ErrDuplicateSlug) {
			return false, err
		}
		if err != nil {
			org, err = s.store.Organizations().FindBySlug(ctx, slug)
		}
		if err != nil {
			return false, err
		}
		s.logger.InfoContext(ctx, "seed organization created", "organization_id", org.ID, "slug", slug)
	case err != nil:
		return false, oops.Code("AUTH_BOOTSTRAP_FAILED").Wrap(err)
	}

	admins, err := s.store.Accounts().CountAdmins(ctx, org.ID)
	if err != nil {
		return false, oops.Code("AUTH_BOOTSTRAP_FAILED").Wrap(err)
	}
	if admins > 0 {
		return false, nil
	}

	acc, err := s.CreateAccount(ctx, NewAccount{
		OrganizationID: org.ID,
		Name:           "Administrator",
		Email:          email,
		Password:       password,
		Role:           RoleAdmin,
		MustRotate:     true,
	})
	if errors.Is(err, ErrDuplicateEmail) {
		s.logger.WarnContext(ctx, "bootstrap email already belongs to another account; no administrator created",
			"organization_id", org.ID,
			"email", NormalizeEmail(email),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.WarnContext(ctx, "bootstrap administrator created; change its password on first login",
		"account_id", acc.ID,
		"email", acc.Email,
		"default_password", usingDefault,
	)
	return true, nil
}
