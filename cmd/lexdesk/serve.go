package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lexdesk.app/internal/audit"
	"lexdesk.app/internal/auth"
	"lexdesk.app/internal/config"
	"lexdesk.app/internal/httpapi"
	"lexdesk.app/internal/obs"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC health servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.UsesInsecureSecret() {
		logger.Warn("using the built-in development signing secret; set auth.secret or LEXDESK_AUTH_SECRET")
	}

	d, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	if cfg.Bootstrap.Enabled {
		if _, err := d.creds.Bootstrap(ctx, auth.BootstrapConfig{
			OrganizationSlug: cfg.Bootstrap.OrganizationSlug,
			OrganizationName: cfg.Bootstrap.OrganizationName,
			AdminEmail:       cfg.Bootstrap.AdminEmail,
			AdminPassword:    cfg.Bootstrap.AdminPassword,
		}); err != nil {
			return oops.Code("BOOTSTRAP_FAILED").Wrap(err)
		}
	}

	metrics := obs.NewMetrics()
	metrics.SetBuildInfo(version, commit)

	api, err := httpapi.New(httpapi.Options{
		Sessions:           d.sessions,
		Records:            d.records,
		Ready:              httpapi.ReadyFunc(d.ready),
		Metrics:            metrics,
		Logger:             logger,
		Audit:              audit.New(logger),
		Version:            version,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		LoginRateBurst:     cfg.Server.LoginRateBurst,
		LoginRatePerSecond: cfg.Server.LoginRatePerSecond,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		TrustedProxies:     cfg.Server.TrustedProxies,
	})
	if err != nil {
		return err
	}
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// Bind both listeners before starting any server.
	httpLis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return oops.Code("HTTP_LISTEN_FAILED").With("addr", cfg.Server.HTTPAddr).Wrap(err)
	}
	var grpcLis net.Listener
	if cfg.Server.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			_ = httpLis.Close()
			return oops.Code("GRPC_LISTEN_FAILED").With("addr", cfg.Server.GRPCAddr).Wrap(err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpLis.Addr().String(), "version", version)
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return oops.Code("HTTP_SERVE_FAILED").With("addr", srv.Addr).Wrap(err)
		}
		return nil
	})

	if grpcLis != nil {
		grpcSrv := httpapi.NewGRPCServer(httpapi.ReadyFunc(d.ready), logger)
		g.Go(func() error {
			logger.Info("grpc health server listening", "addr", grpcLis.Addr().String())
			return grpcSrv.Serve(grpcLis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
