package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gamers-united/magma/pkg/admin"
	"github.com/gamers-united/magma/pkg/config"
	"github.com/gamers-united/magma/pkg/proxy"
	"github.com/gamers-united/magma/pkg/routes"
	"github.com/spf13/cobra"
)

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	store, cleanup, err := buildRouteStore(cfg)
	if err != nil {
		slog.Error("failed to open routing store", "error", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	table := routes.NewTable(store, cfg.Routing.DefaultServer)

	server, err := proxy.NewServer(proxy.Options{
		Addr:          cfg.ListenAddr(),
		Routes:        table,
		LookupTimeout: cfg.Routing.LookupTimeout,
		DNSServers:    cfg.Resolver.DNSServers,
		DenyCIDRs:     cfg.ACL.DenyCIDRs,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("failed to build proxy server", "error", err)
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		slog.Error("failed to start proxy server", "error", err)
		os.Exit(1)
	}
	defer server.Stop()

	var adminServer *admin.AdminServer
	if cfg.Admin.Enable {
		adminServer = admin.NewAdminServer(cfg.Admin.ListenAddr, server.Sessions())
		if err := adminServer.Start(); err != nil {
			slog.Error("failed to start admin server", "error", err)
			os.Exit(1)
		}
		defer adminServer.Stop()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server...")
}

// buildRouteStore picks the routing-rule source: static rules when
// configured, otherwise the database, otherwise an empty table that
// resolves everything to the default backend.
func buildRouteStore(cfg *config.Config) (routes.Resolver, func(), error) {
	if cfg.Routing.StaticRoutes != "" {
		slog.Info("using static routing rules")
		store, err := routes.NewMemoryStore(cfg.Routing.StaticRoutes)
		return store, nil, err
	}

	if cfg.Routing.DatabaseURL != "" {
		store, err := routes.OpenSQL(cfg.Routing.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Routing.LookupTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			slog.Warn("routing store not reachable yet", "error", err)
		}
		return store, func() { store.Close() }, nil
	}

	slog.Info("no routing rules configured, all tags use the default backend")
	store, err := routes.NewMemoryStore("")
	return store, nil, err
}
