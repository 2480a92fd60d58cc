// Command gisgated runs the gateway in front of the in-memory reference host.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/machinefabric/gisgate-go/admin"
	"github.com/machinefabric/gisgate-go/auth"
	"github.com/machinefabric/gisgate-go/config"
	"github.com/machinefabric/gisgate-go/memhost"
	"github.com/machinefabric/gisgate-go/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gisgated",
		Short:         "Secure request gateway for a GIS host",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newTokenCmd())
	return root
}

type serveFlags struct {
	config    string
	addr      string
	adminAddr string
	tls       bool
	allowDirs []string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway on a loopback address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cmd, cfg)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "YAML config file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address (loopback only)")
	cmd.Flags().StringVar(&f.adminAddr, "admin-addr", "", "serve the HTTP status view on this loopback address")
	cmd.Flags().BoolVar(&f.tls, "tls", false, "serve over TLS with a self-signed localhost certificate")
	cmd.Flags().StringSliceVar(&f.allowDirs, "allow-dir", nil, "directory the host may read and write (repeatable)")
	return cmd
}

// loadConfig layers flags over the file and environment.
func loadConfig(cmd *cobra.Command, f serveFlags) (config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = f.addr
	}
	if flags.Changed("admin-addr") {
		cfg.AdminAddr = f.adminAddr
	}
	if flags.Changed("tls") {
		cfg.TLS.Enabled = f.tls
	}
	if flags.Changed("allow-dir") {
		cfg.AllowedDirs = f.allowDirs
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func serve(cmd *cobra.Command, cfg config.Config) error {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.FromConfig(ctx, cfg, memhost.NewSample(memhost.WithLogger(logger)), logger)
	if err != nil {
		return err
	}

	if cfg.Auth.Token == "" {
		// generated at startup; the operator hands it to the client out of band
		fmt.Fprintf(cmd.OutOrStdout(), "auth token: %s\n", srv.Authenticator().Token())
	}

	errc := make(chan error, 1)
	if cfg.AdminAddr != "" {
		go func() {
			if err := admin.ListenAndServe(ctx, cfg.AdminAddr, srv, logger); err != nil {
				logger.Error("admin endpoint stopped", "error", err)
				errc <- err
			}
		}()
	}
	go func() { errc <- srv.ListenAndServe(ctx, cfg.Addr) }()

	select {
	case err = <-errc:
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	stop()
	if cerr := srv.Close(); cerr != nil && !errors.Is(cerr, server.ErrServerClosed) {
		logger.Warn("close", "error", cerr)
	}
	if errors.Is(err, server.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a freshly generated auth token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.GenerateToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}
