package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/reconcile"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ride-dispatch",
	Short:   "Real-time ride dispatch service",
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.PGDSN == "" {
			return errors.New("migrate needs PG_DSN or pg_dsn in the config file")
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if err := ps.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file (environment variables override it)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func loadConfig(cmd *cobra.Command) (config.ServerConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.ServerConfig) error {
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogConsole, nil)
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()
	var checks []func(context.Context) error

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	switch s := store.(type) {
	case *storage.PostgresStore:
		closers = append(closers, s.Close)
		checks = append(checks, s.Ping)
	case *storage.BoltStore:
		closers = append(closers, s.Close)
	}

	var drivers geo.Directory
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		drivers = geo.NewRedisDirectory(rc, cfg.RedisGeoKey)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("driver directory on redis")
	} else {
		drivers = geo.NewIndex()
		logger.Info().Msg("driver directory in memory")
	}

	sessions := session.NewRegistry()
	fabric := notify.New(sessions, logger)
	profiles := accounts.NewMemoryDirectory()
	rides := ledger.New(store)

	deps := dispatch.Deps{
		Ledger:   rides,
		Drivers:  drivers,
		Matcher:  &matcher.Service{Geo: drivers},
		Notifier: fabric,
		Profiles: profiles,
		RadiusKm: cfg.MatchRadiusKm,
		Log:      logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.LocationTopic, cfg.RideEventTopic)
		closers = append(closers, kp.Close)
		deps.Events = kp
	}
	if cfg.StripeAPIKey != "" {
		deps.Payments = payments.NewStripeClient(cfg.StripeAPIKey, cfg.StripeCurrency)
	}
	svc := dispatch.New(deps)

	var verifier auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	} else {
		logger.Warn().Msg("JWT_SECRET unset; parties identify themselves with X-Party-* headers")
	}

	api := httpapi.NewServer(httpapi.Options{
		Service:       svc,
		Sessions:      sessions,
		Fabric:        fabric,
		Verifier:      verifier,
		Profiles:      profiles,
		InternalToken: cfg.InternalToken,
		SendBuffer:    cfg.SessionSendBuffer,
		Logger:        logger,
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

	if cfg.InternalToken == "" {
		logger.Warn().Msg("INTERNAL_TOKEN unset; driver verification route is disabled")
	}

	go reconcile.New(drivers, rides, cfg.ReconcileInterval, logger).Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	// hijacked websocket connections are invisible to Shutdown
	srv.RegisterOnShutdown(sessions.CloseAll)
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("ride-dispatch listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger zerolog.Logger) (storage.TripStore, error) {
	switch {
	case cfg.PGDSN != "":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Msg("schema applied")
		}
		logger.Info().Msg("ride ledger on postgres")
		return ps, nil
	case cfg.BoltPath != "":
		bs, err := storage.NewBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("bolt: %w", err)
		}
		logger.Info().Str("path", cfg.BoltPath).Msg("ride ledger on bbolt")
		return bs, nil
	}
	logger.Warn().Msg("ride ledger in memory; rides are lost on restart")
	return storage.NewMemoryStore(), nil
}
