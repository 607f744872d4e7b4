package auth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func newTestCredentials(t *testing.T, opts ...CredentialOption) (*CredentialService, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	hasher, err := NewBcryptHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewBcryptHasher: %v", err)
	}
	opts = append([]CredentialOption{WithHasher(hasher)}, opts...)
	svc, err := NewCredentialService(store, opts...)
	if err != nil {
		t.Fatalf("NewCredentialService: %v", err)
	}
	return svc, store
}

func mustOrg(t *testing.T, svc *CredentialService, name, slug string) *Organization {
	t.Helper()
	org, err := svc.CreateOrganization(context.Background(), name, slug, PlanProfessional)
	if err != nil {
		t.Fatalf("CreateOrganization(%s): %v", slug, err)
	}
	return org
}

func TestAcmeCredentialScenario(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestCredentials(t)
	org := mustOrg(t, svc, "Acme", "acme")

	acc, err := svc.CreateAccount(ctx, NewAccount{
		OrganizationID: org.ID,
		Name:           "Ana",
		Email:          "a@acme.test",
		Password:       "pw1234",
		Role:           RoleLawyer,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if !acc.Active {
		t.Fatal("new account should be active")
	}

	got, err := svc.VerifyCredentials(ctx, "A@Acme.test", "pw1234")
	if err != nil {
		t.Fatalf("VerifyCredentials: %v", err)
	}
	if got.ID != acc.ID {
		t.Fatalf("verified %s, want %s", got.ID, acc.ID)
	}

	_, wrongErr := svc.VerifyCredentials(ctx, "a@acme.test", "wrong")
	_, missingErr := svc.VerifyCredentials(ctx, "missing@acme.test", "pw1234")
	for _, err := range []error{wrongErr, missingErr} {
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	}
	if wrongErr.Error() != missingErr.Error() {
		t.Fatalf("failures differ: %q vs %q", wrongErr.Error(), missingErr.Error())
	}
}

func TestCreateAccountDuplicateEmailAcrossTenants(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestCredentials(t)
	acme := mustOrg(t, svc, "Acme", "acme")
	globex := mustOrg(t, svc, "Globex", "globex")

	in := NewAccount{OrganizationID: acme.ID, Name: "Ana", Email: "dup@example.com", Password: "secret1", Role: RoleAssistant}
	if _, err := svc.CreateAccount(ctx, in); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	in.OrganizationID = globex.ID
	in.Email = "DUP@example.com"
	if _, err := svc.CreateAccount(ctx, in); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestCreateAccountValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestCredentials(t)
	org := mustOrg(t, svc, "Acme", "acme")
	base := NewAccount{OrganizationID: org.ID, Name: "Ana", Email: "a@acme.test", Password: "secret1", Role: RoleLawyer}

	cases := map[string]func(*NewAccount){
		"empty name":     func(n *NewAccount) { n.Name = " " },
		"bad email":      func(n *NewAccount) { n.Email = "not-an-email" },
		"no org":         func(n *NewAccount) { n.OrganizationID = "" },
		"no role":        func(n *NewAccount) { n.Role = 0 },
		"empty password": func(n *NewAccount) { n.Password = "" },
		"short password": func(n *NewAccount) { n.Password = "abc" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			if _, err := svc.CreateAccount(ctx, in); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestPlaintextNeverStoredOrLogged(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc, store := newTestCredentials(t, WithLogger(logger))
	org := mustOrg(t, svc, "Acme", "acme")

	const password = "Plaintext-Sentinel-42"
	acc, err := svc.CreateAccount(ctx, NewAccount{OrganizationID: org.ID, Name: "Ana", Email: "a@acme.test", Password: password, Role: RoleLawyer})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	stored, err := store.Accounts().Find(ctx, acc.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	for _, field := range []string{stored.ID, stored.Name, stored.Email, stored.PasswordHash, stored.OrganizationID} {
		if strings.Contains(field, password) {
			t.Fatalf("plaintext found in stored account field %q", field)
		}
	}
	_, err = svc.VerifyCredentials(ctx, "a@acme.test", password+"x")
	if err == nil || strings.Contains(err.Error(), password) {
		t.Fatalf("unexpected error %v", err)
	}
	if _, err := svc.Bootstrap(ctx, BootstrapConfig{OrganizationSlug: "master", AdminPassword: password}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if strings.Contains(logs.String(), password) {
		t.Fatalf("plaintext found in logs: %s", logs.String())
	}
}

func TestDeactivatedAccountCannotVerify(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestCredentials(t)
	org := mustOrg(t, svc, "Acme", "acme")
	acc, err := svc.CreateAccount(ctx, NewAccount{OrganizationID: org.ID, Name: "Ana", Email: "a@acme.test", Password: "pw1234", Role: RoleLawyer})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := svc.SetActive(ctx, org.ID, acc.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := svc.VerifyCredentials(ctx, "a@acme.test", "pw1234"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.SetActive(ctx, org.ID, acc.ID, true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := svc.VerifyCredentials(ctx, "a@acme.test", "pw1234"); err != nil {
		t.Fatalf("reactivated account should verify: %v", err)
	}
}

func TestAdminMutationsAreTenantScoped(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestCredentials(t)
	acme := mustOrg(t, svc, "Acme", "acme")
	globex := mustOrg(t, svc, "Globex", "globex")
	acc, err := svc.CreateAccount(ctx, NewAccount{OrganizationID: acme.ID, Name: "Ana", Email: "a@acme.test", Password: "pw1234", Role: RoleLawyer})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if err := svc.SetActive(ctx, globex.ID, acc.ID, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetActive across tenants: expected ErrNotFound, got %v", err)
	}
	if err := svc.UpdateRole(ctx, globex.ID, acc.ID, RoleAdmin); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateRole across tenants: expected ErrNotFound, got %v", err)
	}
	if err := svc.ResetPassword(ctx, globex.ID, acc.ID, "another1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ResetPassword across tenants: expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRoleBumpsGeneration(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestCredentials(t)
	org := mustOrg(t, svc, "Acme", "acme")
	acc, err := svc.CreateAccount(ctx, NewAccount{OrganizationID: org.ID, Name: "Ana", Email: "a@acme.test", Password: "pw1234", Role: RoleLawyer})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := svc.UpdateRole(ctx, org.ID, acc.ID, RoleFinancial); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	got, _ := store.Accounts().Find(ctx, acc.ID)
	if got.Role != RoleFinancial || got.TokenGeneration != acc.TokenGeneration+1 {
		t.Fatalf("unexpected account after role change: %+v", got)
	}
	if err := svc.UpdateRole(ctx, org.ID, acc.ID, Role(42)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestChangeAndResetPassword(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestCredentials(t)
	org := mustOrg(t, svc, "Acme", "acme")
	acc, err := svc.CreateAccount(ctx, NewAccount{OrganizationID: org.ID, Name: "Ana", Email: "a@acme.test", Password: "pw1234", Role: RoleLawyer})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if err := svc.ResetPassword(ctx, org.ID, acc.ID, "reset-pw"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	got, _ := store.Accounts().Find(ctx, acc.ID)
	if !got.MustRotate {
		t.Fatal("reset should force rotation")
	}

	if err := svc.ChangePassword(ctx, acc.ID, "wrong-pw", "fresh-pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, acc.ID, "reset-pw", "reset-pw"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := svc.ChangePassword(ctx, acc.ID, "reset-pw", "fresh-pw"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	got, _ = store.Accounts().Find(ctx, acc.ID)
	if got.MustRotate {
		t.Fatal("change should clear rotation flag")
	}
	if got.TokenGeneration != 2 {
		t.Fatalf("generation = %d, want 2", got.TokenGeneration)
	}
	if _, err := svc.VerifyCredentials(ctx, "a@acme.test", "fresh-pw"); err != nil {
		t.Fatalf("VerifyCredentials with new password: %v", err)
	}
	if _, err := svc.VerifyCredentials(ctx, "a@acme.test", "pw1234"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should fail, got %v", err)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	svc, store := newTestCredentials(t, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	created, err := svc.Bootstrap(ctx, BootstrapConfig{})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !created {
		t.Fatal("expected administrator to be created")
	}
	org, err := store.Organizations().FindBySlug(ctx, "master")
	if err != nil {
		t.Fatalf("seed organization missing: %v", err)
	}
	if org.Plan != PlanMaster {
		t.Fatalf("seed plan = %v", org.Plan)
	}
	acc, err := svc.VerifyCredentials(ctx, "admin@master.local", DefaultAdminPassword)
	if err != nil {
		t.Fatalf("bootstrap admin cannot log in: %v", err)
	}
	if acc.Role != RoleAdmin || !acc.MustRotate {
		t.Fatalf("unexpected bootstrap admin: %+v", acc)
	}
	if strings.Contains(logs.String(), DefaultAdminPassword) {
		t.Fatal("default password must not be logged")
	}

	created, err = svc.Bootstrap(ctx, BootstrapConfig{})
	if err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	if created {
		t.Fatal("second bootstrap should not create another administrator")
	}
}

func TestBootstrapKeepsDeactivatedAdmin(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestCredentials(t)

	if _, err := svc.Bootstrap(ctx, BootstrapConfig{}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	admin, err := svc.AccountByEmail(ctx, "admin@master.local")
	if err != nil {
		t.Fatalf("AccountByEmail: %v", err)
	}
	if err := svc.SetActive(ctx, admin.OrganizationID, admin.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	created, err := svc.Bootstrap(ctx, BootstrapConfig{})
	if err != nil {
		t.Fatalf("Bootstrap after deactivation: %v", err)
	}
	if created {
		t.Fatal("a deactivated administrator must still count")
	}
	again, err := svc.AccountByEmail(ctx, "admin@master.local")
	if err != nil {
		t.Fatalf("AccountByEmail: %v", err)
	}
	if again.Active {
		t.Fatal("bootstrap must not reactivate the administrator")
	}
}

func TestBootstrapSeedEmailTakenByNonAdmin(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	svc, _ := newTestCredentials(t, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	acme := mustOrg(t, svc, "Acme", "acme")
	if _, err := svc.CreateAccount(ctx, NewAccount{OrganizationID: acme.ID, Name: "Ana", Email: "admin@master.local", Password: "pw1234", Role: RoleLawyer}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	created, err := svc.Bootstrap(ctx, BootstrapConfig{})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if created {
		t.Fatal("no administrator can be created with a taken email")
	}
	if !strings.Contains(logs.String(), "bootstrap email already belongs to another account") {
		t.Fatalf("missing warning in logs: %s", logs.String())
	}
}

func TestVerifyCredentialsUpgradesHash(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestCredentials(t)
	org := mustOrg(t, svc, "Acme", "acme")
	acc, err := svc.CreateAccount(ctx, NewAccount{OrganizationID: org.ID, Name: "Ana", Email: "a@acme.test", Password: "pw1234", Role: RoleLawyer})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	argonSvc, err := NewCredentialService(store, WithHasher(NewArgon2idHasher()))
	if err != nil {
		t.Fatalf("NewCredentialService: %v", err)
	}
	if _, err := argonSvc.VerifyCredentials(ctx, "a@acme.test", "pw1234"); err != nil {
		t.Fatalf("VerifyCredentials: %v", err)
	}
	got, _ := store.Accounts().Find(ctx, acc.ID)
	if !strings.HasPrefix(got.PasswordHash, "$argon2id$") {
		t.Fatalf("hash not upgraded: %s", got.PasswordHash)
	}
	if got.TokenGeneration != acc.TokenGeneration {
		t.Fatal("rehash must not revoke sessions")
	}
}

func TestVerifyCredentialsHonoursCancellation(t *testing.T) {
	svc, _ := newTestCredentials(t, WithHashConcurrency(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.VerifyCredentials(ctx, "a@acme.test", "pw1234"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
