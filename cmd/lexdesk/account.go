package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"lexdesk.app/internal/auth"
)

// passwordEnv supplies passwords to account create without putting them on
// the command line.
const passwordEnv = "LEXDESK_ACCOUNT_PASSWORD"

// NewAccountCmd creates the account subcommand tree.
func NewAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}

	var in struct {
		org, name, role string
	}
	create := &cobra.Command{
		Use:   "create EMAIL",
		Short: "Create an account; the password is read from " + passwordEnv,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv(passwordEnv)
			if password == "" {
				return oops.Code("INVALID_ARGUMENT").Errorf("%s must hold the initial password", passwordEnv)
			}
			return withServices(cmd, func(ctx context.Context, d *deps) error {
				return createAccount(ctx, cmd.OutOrStdout(), d.creds, in.org, in.name, args[0], password, in.role)
			})
		},
	}
	create.Flags().StringVar(&in.org, "org", "", "organization slug (required)")
	create.Flags().StringVar(&in.name, "name", "", "display name (required)")
	create.Flags().StringVar(&in.role, "role", auth.RoleLawyer.String(), "role (admin, lawyer, assistant, financial)")
	_ = create.MarkFlagRequired("org")
	_ = create.MarkFlagRequired("name")

	deactivate := &cobra.Command{
		Use:   "deactivate EMAIL",
		Short: "Deactivate an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, d *deps) error {
				return setAccountActive(ctx, cmd.OutOrStdout(), d.creds, args[0], false)
			})
		},
	}
	activate := &cobra.Command{
		Use:   "activate EMAIL",
		Short: "Reactivate an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, d *deps) error {
				return setAccountActive(ctx, cmd.OutOrStdout(), d.creds, args[0], true)
			})
		},
	}
	role := &cobra.Command{
		Use:   "role EMAIL ROLE",
		Short: "Change the role of an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, d *deps) error {
				return setAccountRole(ctx, cmd.OutOrStdout(), d.creds, args[0], args[1])
			})
		},
	}
	list := &cobra.Command{
		Use:   "list SLUG",
		Short: "List the accounts of an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, d *deps) error {
				return listAccounts(ctx, cmd.OutOrStdout(), d.creds, args[0])
			})
		},
	}

	cmd.AddCommand(create, deactivate, activate, role, list)
	return cmd
}

func createAccount(ctx context.Context, out io.Writer, creds *auth.CredentialService, slug, name, email, password, roleName string) error {
	role, err := auth.ParseRole(roleName)
	if err != nil {
		return err
	}
	org, err := creds.OrganizationBySlug(ctx, slug)
	if err != nil {
		return oops.Code("ORG_NOT_FOUND").With("slug", slug).Wrap(err)
	}
	acc, err := creds.CreateAccount(ctx, auth.NewAccount{
		OrganizationID: org.ID,
		Name:           name,
		Email:          email,
		Password:       password,
		Role:           role,
		MustRotate:     true,
	})
	if err != nil {
		return oops.Code("ACCOUNT_CREATE_FAILED").With("organization", slug).Wrap(err)
	}
	fmt.Fprintf(out, "created account %s (%s, %s) in %s\n", acc.Email, acc.ID, acc.Role, org.Slug)
	return nil
}

func setAccountActive(ctx context.Context, out io.Writer, creds *auth.CredentialService, email string, active bool) error {
	acc, err := creds.AccountByEmail(ctx, email)
	if err != nil {
		return oops.Code("ACCOUNT_NOT_FOUND").Wrap(err)
	}
	if err := creds.SetActive(ctx, acc.OrganizationID, acc.ID, active); err != nil {
		return err
	}
	state := "deactivated"
	if active {
		state = "activated"
	}
	fmt.Fprintf(out, "account %s %s\n", acc.Email, state)
	return nil
}

func setAccountRole(ctx context.Context, out io.Writer, creds *auth.CredentialService, email, roleName string) error {
	role, err := auth.ParseRole(roleName)
	if err != nil {
		return err
	}
	acc, err := creds.AccountByEmail(ctx, email)
	if err != nil {
		return oops.Code("ACCOUNT_NOT_FOUND").Wrap(err)
	}
	if err := creds.UpdateRole(ctx, acc.OrganizationID, acc.ID, role); err != nil {
		return err
	}
	fmt.Fprintf(out, "account %s is now %s\n", acc.Email, role)
	return nil
}

func listAccounts(ctx context.Context, out io.Writer, creds *auth.CredentialService, slug string) error {
	org, err := creds.OrganizationBySlug(ctx, slug)
	if err != nil {
		return oops.Code("ORG_NOT_FOUND").With("slug", slug).Wrap(err)
	}
	accounts, err := creds.ListAccounts(ctx, org.ID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EMAIL\tNAME\tROLE\tACTIVE\tID")
	for _, a := range accounts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", a.Email, a.Name, a.Role, a.Active, a.ID)
	}
	return tw.Flush()
}
