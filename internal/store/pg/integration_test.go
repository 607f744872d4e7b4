//go:build integration

package pg_test

import (
	"context"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/bcrypt"

	"lexdesk.app/internal/auth"
	"lexdesk.app/internal/records"
	"lexdesk.app/internal/store/pg"
)

func claimsCtx(org *auth.Organization, acc *auth.Account) context.Context {
	claims := &auth.Claims{OrganizationID: org.ID, Role: acc.Role}
	claims.Subject = acc.ID
	return auth.ContextWithClaims(context.Background(), claims)
}

var _ = Describe("PostgreSQL stores", Ordered, func() {
	var (
		ctx    context.Context
		creds  *auth.CredentialService
		recs   *records.Service
		acme   *auth.Organization
		globex *auth.Organization
		ana    *auth.Account
		gus    *auth.Account
	)

	BeforeAll(func() {
		ctx = context.Background()
		hasher, err := auth.NewBcryptHasher(bcrypt.MinCost)
		Expect(err).NotTo(HaveOccurred())
		creds, err = auth.NewCredentialService(pg.NewStore(pg.SQLDB(pool), 0), auth.WithHasher(hasher))
		Expect(err).NotTo(HaveOccurred())
		recs, err = records.NewService(pg.NewRecordStore(pool, 0))
		Expect(err).NotTo(HaveOccurred())

		acme, err = creds.CreateOrganization(ctx, "Acme", "acme", auth.PlanProfessional)
		Expect(err).NotTo(HaveOccurred())
		globex, err = creds.CreateOrganization(ctx, "Globex", "globex", auth.PlanBasic)
		Expect(err).NotTo(HaveOccurred())

		ana, err = creds.CreateAccount(ctx, auth.NewAccount{OrganizationID: acme.ID, Name: "Ana", Email: "a@acme.test", Password: "pw1234", Role: auth.RoleLawyer})
		Expect(err).NotTo(HaveOccurred())
		gus, err = creds.CreateAccount(ctx, auth.NewAccount{OrganizationID: globex.ID, Name: "Gus", Email: "g@globex.test", Password: "pw1234", Role: auth.RoleLawyer})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("credentials", func() {
		It("verifies the right password only", func() {
			acc, err := creds.VerifyCredentials(ctx, "A@ACME.test", "pw1234")
			Expect(err).NotTo(HaveOccurred())
			Expect(acc.ID).To(Equal(ana.ID))

			_, err = creds.VerifyCredentials(ctx, "a@acme.test", "wrong")
			Expect(err).To(MatchError(auth.ErrInvalidCredentials))
			_, err = creds.VerifyCredentials(ctx, "missing@acme.test", "pw1234")
			Expect(err).To(MatchError(auth.ErrInvalidCredentials))
		})

		It("rejects duplicate emails across organizations", func() {
			_, err := creds.CreateAccount(ctx, auth.NewAccount{OrganizationID: globex.ID, Name: "Dup", Email: "A@acme.test", Password: "pw1234", Role: auth.RoleAssistant})
			Expect(err).To(MatchError(auth.ErrDuplicateEmail))
		})

		It("rejects duplicate slugs", func() {
			_, err := creds.CreateOrganization(ctx, "Acme 2", "acme", auth.PlanBasic)
			Expect(err).To(MatchError(auth.ErrDuplicateSlug))
		})

		It("scopes administrative mutations to the organization", func() {
			Expect(creds.SetActive(ctx, globex.ID, ana.ID, false)).To(MatchError(auth.ErrNotFound))
			Expect(creds.SetActive(ctx, acme.ID, ana.ID, false)).To(Succeed())
			_, err := creds.VerifyCredentials(ctx, "a@acme.test", "pw1234")
			Expect(err).To(MatchError(auth.ErrInvalidCredentials))
			Expect(creds.SetActive(ctx, acme.ID, ana.ID, true)).To(Succeed())
		})

		It("bumps the token generation on password changes", func() {
			gen, err := creds.Store().Accounts().TokenGeneration(ctx, gus.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(creds.ChangePassword(ctx, gus.ID, "pw1234", "pw5678")).To(Succeed())
			next, err := creds.Store().Accounts().TokenGeneration(ctx, gus.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(next).To(Equal(gen + 1))
		})

		It("bootstraps an administrator once", func() {
			created, err := creds.Bootstrap(ctx, auth.BootstrapConfig{OrganizationSlug: "master"})
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())
			created, err = creds.Bootstrap(ctx, auth.BootstrapConfig{OrganizationSlug: "master"})
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())
		})
	})

	Describe("records", func() {
		It("never returns rows of another organization", func() {
			for _, title := range []string{"Acme A", "Acme B"} {
				_, err := recs.Create(claimsCtx(acme, ana), records.KindClients, records.NewRecord{Title: title, Data: json.RawMessage(`{"tier":"gold"}`)})
				Expect(err).NotTo(HaveOccurred())
			}
			other, err := recs.Create(claimsCtx(globex, gus), records.KindClients, records.NewRecord{Title: "Globex A"})
			Expect(err).NotTo(HaveOccurred())

			rows, err := recs.List(claimsCtx(acme, ana), records.KindClients, records.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(2))
			for _, r := range rows {
				Expect(r.OrganizationID).To(Equal(acme.ID))
			}

			_, err = recs.Get(claimsCtx(acme, ana), records.KindClients, other.ID)
			Expect(err).To(MatchError(auth.ErrNotFound))
		})
	})
})
