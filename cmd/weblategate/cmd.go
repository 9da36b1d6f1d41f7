package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"lds.li/weblategate/gateway"
	"lds.li/weblategate/internal/config"
	"lds.li/weblategate/slogctx"
)

type rootOpts struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	cmd := &cobra.Command{
		Use:           "weblategate",
		Short:         "Remote-user authenticating gateway for Weblate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"),
		"path to the YAML config file. Settings can also be given as "+config.EnvPrefix+"* environment variables")

	cmd.AddCommand(newServeCmd(opts), newCheckConfigCmd(opts))
	return cmd
}

func newServeCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := slogctx.NewLogger(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Level)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	g, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setting up gateway: %w", err)
	}
	defer g.Close()
	return g.ListenAndServe(ctx)
}

func newCheckConfigCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "listen:        %s\n", cfg.Listen)
	fmt.Fprintf(w, "upstream:      %s\n", cfg.Upstream)
	fmt.Fprintf(w, "user header:   %s -> %s\n", cfg.RemoteUser.Header, cfg.UpstreamUserHeader)
	fmt.Fprintf(w, "persistent:    %t\n", cfg.RemoteUser.Persistent)
	fmt.Fprintf(w, "csrf mode:     %s\n", cfg.CSRF.Mode)
	fmt.Fprintf(w, "session store: %s\n", cfg.Session.Store)
	fmt.Fprintf(w, "user store:    %s\n", cfg.RemoteUser.UserStore)
	fmt.Fprintln(w, "configuration OK")
}
