package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexdesk.app/internal/auth"
)

const testSeed = `
organizations:
  - name: Acme Advogados
    slug: acme
    plan: professional
    accounts:
      - name: Ana
        email: ana@acme.test
        role: admin
        password_env: ACME_ADMIN_PASSWORD
      - name: Bruno
        email: bruno@acme.test
        role: assistant
        password: bruno-secret
  - name: Solo
    slug: solo
`

func TestParseSeed(t *testing.T) {
	seed, err := parseSeed([]byte(testSeed))
	require.NoError(t, err)
	require.Len(t, seed.Organizations, 2)
	assert.Equal(t, "acme", seed.Organizations[0].Slug)
	assert.Len(t, seed.Organizations[0].Accounts, 2)
	assert.Equal(t, "basic", seed.Organizations[1].Plan)

	empty, err := parseSeed(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Organizations)
}

func TestParseSeedRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field": "organizations:\n  - slug: a1\n    owner: x\n",
		"missing slug":  "organizations:\n  - name: A\n",
		"bad plan":      "organizations:\n  - slug: a1\n    plan: gold\n",
		"bad role": `organizations:
  - slug: a1
    accounts:
      - email: a@a.test
        role: judge
        password: secret123
`,
		"no password": `organizations:
  - slug: a1
    accounts:
      - email: a@a.test
        role: lawyer
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseSeed([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestApplySeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	creds := newTestCreds(t)
	seed, err := parseSeed([]byte(testSeed))
	require.NoError(t, err)
	env := map[string]string{"ACME_ADMIN_PASSWORD": "ana-secret"}
	getenv := func(k string) string { return env[k] }

	var out bytes.Buffer
	require.NoError(t, applySeed(ctx, &out, creds, seed, getenv))
	assert.Contains(t, out.String(), "organization acme created")
	assert.Contains(t, out.String(), "account ana@acme.test created (admin)")

	ana, err := creds.VerifyCredentials(ctx, "ana@acme.test", "ana-secret")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, ana.Role)
	assert.True(t, ana.MustRotate)

	out.Reset()
	require.NoError(t, applySeed(ctx, &out, creds, seed, getenv))
	assert.Contains(t, out.String(), "organization acme exists")
	assert.Contains(t, out.String(), "account ana@acme.test exists")
	assert.NotContains(t, out.String(), "created")

	acme, err := creds.OrganizationBySlug(ctx, "acme")
	require.NoError(t, err)
	accounts, err := creds.ListAccounts(ctx, acme.ID)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}

func TestApplySeedMissingPasswordEnv(t *testing.T) {
	creds := newTestCreds(t)
	seed, err := parseSeed([]byte(testSeed))
	require.NoError(t, err)

	var out bytes.Buffer
	err = applySeed(context.Background(), &out, creds, seed, func(string) string { return "" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACME_ADMIN_PASSWORD")
}
