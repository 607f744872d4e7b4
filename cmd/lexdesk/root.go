package main

import (
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"lexdesk.app/internal/config"
	"lexdesk.app/internal/obs"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the lexdesk CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lexdesk",
		Short: "lexdesk - legal office CRM backend",
		Long: `lexdesk serves the legal office CRM API: login, sessions, team
management and the tenant-scoped clients, financial, agenda and leads data.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewOrgCmd())
	cmd.AddCommand(NewAccountCmd())
	cmd.AddCommand(NewSeedCmd())
	cmd.AddCommand(NewSmokeCmd())

	return cmd
}

// loadConfig resolves the layered configuration for cmd and builds the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	logger := obs.NewLogger("lexdesk", version, cfg.Log.Format, cfg.Log.Level, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	return cfg, logger, nil
}
