package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"lexdesk.app/internal/auth"
)

// seedFile is the document read by lexdesk seed.
type seedFile struct {
	Organizations []seedOrganization `yaml:"organizations"`
}

type seedOrganization struct {
	Name     string        `yaml:"name"`
	Slug     string        `yaml:"slug"`
	Plan     string        `yaml:"plan"`
	Accounts []seedAccount `yaml:"accounts"`
}

type seedAccount struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Role  string `yaml:"role"`
	// PasswordEnv names the environment variable holding the password.
	PasswordEnv string `yaml:"password_env"`
	Password    string `yaml:"password"`
}

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create organizations and accounts from a YAML file",
		Long: `Creates the organizations and accounts listed in a seed file.
This command is idempotent - existing organizations and accounts are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(path)
			if err != nil {
				return oops.Code("SEED_READ_FAILED").With("file", path).Wrap(err)
			}
			seed, err := parseSeed(data)
			if err != nil {
				return oops.Code("SEED_INVALID").With("file", path).Wrap(err)
			}
			return withServices(cmd, func(ctx context.Context, d *deps) error {
				return applySeed(ctx, cmd.OutOrStdout(), d.creds, seed, os.Getenv)
			})
		},
	}
	cmd.Flags().StringVar(&path, "file", "seeds.yaml", "seed file path")
	return cmd
}

func parseSeed(data []byte) (*seedFile, error) {
	var seed seedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	for i, org := range seed.Organizations {
		if org.Plan == "" {
			seed.Organizations[i].Plan = auth.PlanBasic.String()
			org.Plan = seed.Organizations[i].Plan
		}
		if strings.TrimSpace(org.Slug) == "" {
			return nil, fmt.Errorf("organizations[%d]: slug is required", i)
		}
		if _, err := auth.ParsePlan(org.Plan); err != nil {
			return nil, fmt.Errorf("organizations[%d]: %w", i, err)
		}
		for j, acc := range org.Accounts {
			if _, err := auth.ParseRole(acc.Role); err != nil {
				return nil, fmt.Errorf("organizations[%d].accounts[%d]: %w", i, j, err)
			}
			if acc.Password == "" && acc.PasswordEnv == "" {
				return nil, fmt.Errorf("organizations[%d].accounts[%d]: password or password_env is required", i, j)
			}
		}
	}
	return &seed, nil
}

// applySeed creates whatever the seed lists and the store lacks.
func applySeed(ctx context.Context, out io.Writer, creds *auth.CredentialService, seed *seedFile, getenv func(string) string) error {
	for _, so := range seed.Organizations {
		plan, _ := auth.ParsePlan(so.Plan)
		org, err := creds.OrganizationBySlug(ctx, so.Slug)
		switch {
		case errors.Is(err, auth.ErrNotFound):
			org, err = creds.CreateOrganization(ctx, so.Name, so.Slug, plan)
			if err != nil {
				return oops.Code("SEED_ORG_FAILED").With("slug", so.Slug).Wrap(err)
			}
			fmt.Fprintf(out, "organization %s created\n", org.Slug)
		case err != nil:
			return oops.Code("SEED_ORG_FAILED").With("slug", so.Slug).Wrap(err)
		default:
			fmt.Fprintf(out, "organization %s exists\n", org.Slug)
		}

		for _, sa := range so.Accounts {
			_, err := creds.AccountByEmail(ctx, sa.Email)
			if err == nil {
				fmt.Fprintf(out, "  account %s exists\n", auth.NormalizeEmail(sa.Email))
				continue
			}
			if !errors.Is(err, auth.ErrNotFound) {
				return oops.Code("SEED_ACCOUNT_FAILED").With("organization", so.Slug).Wrap(err)
			}
			password := sa.Password
			if sa.PasswordEnv != "" {
				password = getenv(sa.PasswordEnv)
			}
			if password == "" {
				return oops.Code("SEED_ACCOUNT_FAILED").
					With("organization", so.Slug).
					Errorf("no password for %s: %s is empty", sa.Email, sa.PasswordEnv)
			}
			role, _ := auth.ParseRole(sa.Role)
			acc, err := creds.CreateAccount(ctx, auth.NewAccount{
				OrganizationID: org.ID,
				Name:           sa.Name,
				Email:          sa.Email,
				Password:       password,
				Role:           role,
				MustRotate:     true,
			})
			if err != nil {
				return oops.Code("SEED_ACCOUNT_FAILED").With("organization", so.Slug).Wrap(err)
			}
			fmt.Fprintf(out, "  account %s created (%s)\n", acc.Email, acc.Role)
		}
	}
	return nil
}
