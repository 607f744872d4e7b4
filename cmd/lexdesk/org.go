package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"lexdesk.app/internal/auth"
)

const defaultAdminTimeout = 30 * time.Second

// withServices runs fn against the configured storage. Admin commands on
// memory storage only affect the running process and are mostly useful for
// trying the CLI out.
func withServices(cmd *cobra.Command, fn func(ctx context.Context, d *deps) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Storage.Type == "memory" {
		logger.Warn("storage.type is memory; changes are discarded when the command exits")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), defaultAdminTimeout)
	defer cancel()

	d, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}

// NewOrgCmd creates the org subcommand tree.
func NewOrgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
	}

	var name, plan string
	create := &cobra.Command{
		Use:   "create SLUG",
		Short: "Create an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, d *deps) error {
				return createOrg(ctx, cmd.OutOrStdout(), d.creds, args[0], name, plan)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "display name (required)")
	create.Flags().StringVar(&plan, "plan", auth.PlanBasic.String(), "subscription plan (basic, professional, master)")
	_ = create.MarkFlagRequired("name")

	deactivate := &cobra.Command{
		Use:   "deactivate SLUG",
		Short: "Deactivate an organization; its members can no longer log in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, d *deps) error {
				return setOrgActive(ctx, cmd.OutOrStdout(), d.creds, args[0], false)
			})
		},
	}
	activate := &cobra.Command{
		Use:   "activate SLUG",
		Short: "Reactivate an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, d *deps) error {
				return setOrgActive(ctx, cmd.OutOrStdout(), d.creds, args[0], true)
			})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, func(ctx context.Context, d *deps) error {
				return listOrgs(ctx, cmd.OutOrStdout(), d.creds)
			})
		},
	}

	cmd.AddCommand(create, deactivate, activate, list)
	return cmd
}

func createOrg(ctx context.Context, out io.Writer, creds *auth.CredentialService, slug, name, planName string) error {
	plan, err := auth.ParsePlan(planName)
	if err != nil {
		return err
	}
	org, err := creds.CreateOrganization(ctx, name, slug, plan)
	if err != nil {
		return oops.Code("ORG_CREATE_FAILED").With("slug", slug).Wrap(err)
	}
	fmt.Fprintf(out, "created organization %s (%s, plan %s)\n", org.Slug, org.ID, org.Plan)
	return nil
}

func setOrgActive(ctx context.Context, out io.Writer, creds *auth.CredentialService, slug string, active bool) error {
	if err := creds.SetOrganizationActive(ctx, slug, active); err != nil {
		return oops.Code("ORG_UPDATE_FAILED").With("slug", slug).Wrap(err)
	}
	state := "deactivated"
	if active {
		state = "activated"
	}
	fmt.Fprintf(out, "organization %s %s\n", slug, state)
	return nil
}

func listOrgs(ctx context.Context, out io.Writer, creds *auth.CredentialService) error {
	orgs, err := creds.Store().Organizations().List(ctx)
	if err != nil {
		return oops.Code("ORG_LIST_FAILED").Wrap(err)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tNAME\tPLAN\tACTIVE\tID")
	for _, o := range orgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", o.Slug, o.Name, o.Plan, o.Active, o.ID)
	}
	return tw.Flush()
}
