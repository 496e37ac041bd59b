package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	chopsticks "github.com/pgolbus/chopsticks"
	"github.com/pgolbus/chopsticks/auth"
	"github.com/pgolbus/chopsticks/config"
	"github.com/pgolbus/chopsticks/server"
	"github.com/pgolbus/chopsticks/store"
	"github.com/pgolbus/chopsticks/websocket"
)

// ServeOptions holds flags for the serve command. Set flags override the
// loaded configuration.
type ServeOptions struct {
	*RootOptions
	Addr        string
	StoreDriver string
	StoreDSN    string
	MaxGames    int
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the game server",
		Long: `Run the HTTP and WebSocket game server until interrupted.

Example:
  chopsticks serve --addr :8080 --store sqlite --dsn ./chopsticks.db
  chopsticks serve --config chopsticks.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = opts.Addr
			}
			if flags.Changed("store") {
				cfg.Store.Driver = opts.StoreDriver
			}
			if flags.Changed("dsn") {
				cfg.Store.DSN = opts.StoreDSN
			}
			if flags.Changed("max-games") {
				cfg.Broker.MaxGames = opts.MaxGames
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&opts.StoreDriver, "store", "", "store driver (memory|sqlite|redis|postgres)")
	cmd.Flags().StringVar(&opts.StoreDSN, "dsn", "", "store data source name")
	cmd.Flags().IntVar(&opts.MaxGames, "max-games", 0, "maximum resident games")

	return cmd
}

func serve(ctx context.Context, cfg config.Config, opts *ServeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.logger(cfg)

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	logger.Info("store opened", "driver", cfg.Store.Driver)

	broker := chopsticks.NewGameBroker(chopsticks.Options{
		MaxGames:           cfg.Broker.MaxGames,
		MatchmakingTimeout: cfg.Broker.MatchmakingTimeout,
		IdleTimeout:        cfg.Broker.IdleTimeout,
		CleanupInterval:    cfg.Broker.CleanupInterval,
		MonitorInterval:    cfg.Broker.MonitorInterval,
		Modulus:            cfg.Game.Modulus,
		Store:              st,
		Logger:             logger,
	})
	broker.Start()

	var issuer *auth.Issuer
	if cfg.Auth.Secret != "" {
		issuer = auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	} else {
		logger.Warn("auth.secret is empty, seat tokens are disabled")
	}

	hub := websocket.NewHub(logger)
	gs := server.NewGameServer(server.Options{
		Broker:         broker,
		Hub:            hub,
		Issuer:         issuer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	// nolint:exhaustruct
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           gs.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		broker.Stop()
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("server stopped")
		return nil
	})

	return g.Wait()
}
