package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/catalogrun/catalogrun/internal/cache"
	"github.com/catalogrun/catalogrun/internal/config"
	"github.com/catalogrun/catalogrun/internal/dataset"
	"github.com/catalogrun/catalogrun/internal/metrics"
	"github.com/catalogrun/catalogrun/internal/server"
	"github.com/catalogrun/catalogrun/internal/tmdb"
	"github.com/catalogrun/catalogrun/internal/userconfig"
)

const (
	appName = "CatalogRun"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:     "catalogrun",
		Short:   appName + " serves configurable movie and series catalogs",
		Version: version,
		Long: appName + ` proxies an upstream metadata provider into the addon
protocol: per-user catalog configurations, cached and rate-limited
upstream access, and bulk-dataset derived catalogs.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func runServe(cfg config.Config) error {
	log.Info().Str("version", version).Msg(appName + " starting")

	kv := cache.NewStore(context.Background(), cache.StoreConfig{
		RedisAddr:     cfg.Cache.RedisAddr,
		RedisPassword: cfg.Cache.RedisPassword,
		MaxKeys:       cfg.Cache.MaxKeys,
	})
	facade := cache.NewFacade(kv, cfg.Cache.Version)

	clientCfg := tmdb.DefaultClientConfig()
	if cfg.Upstream.BaseURL != "" {
		clientCfg.BaseURL = cfg.Upstream.BaseURL
	}
	clientCfg.RequestsPerSec = cfg.Upstream.RequestsPerSec
	clientCfg.RequestTimeout = cfg.Upstream.RequestTimeout
	clientCfg.MaxRetries = cfg.Upstream.MaxRetries
	clientCfg.Breaker = tmdb.BreakerConfig{
		FailureThreshold: cfg.Upstream.FailureThreshold,
		Window:           cfg.Upstream.BreakerWindow,
		Cooldown:         cfg.Upstream.BreakerCooldown,
	}
	client := tmdb.NewClient(clientCfg, facade, nil)

	cipher, err := userconfig.NewCipher(cfg.Auth.EncryptionSecret)
	if err != nil {
		return err
	}

	store, err := buildConfigStore(cfg.Database)
	if err != nil {
		return err
	}
	resolver := userconfig.NewResolver(userconfig.DefaultResolverConfig(), store, cipher)
	sessions := userconfig.NewSessions(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL)

	engine := dataset.NewEngine(dataset.EngineConfig{
		RatingsURL:      cfg.Dataset.RatingsURL,
		BasicsURL:       cfg.Dataset.BasicsURL,
		MinVotes:        cfg.Dataset.MinVotes,
		RefreshInterval: cfg.Dataset.RefreshInterval,
		CachePath:       cfg.Dataset.CachePath,
	}, nil)

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	if cfg.Dataset.Enabled {
		go engine.Run(engineCtx)
	}

	reg := metrics.NewRegistry()
	reg.WatchFacade(facade)
	reg.WatchClient(client)
	reg.WatchEngine(engine)

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		RequestTimeout:  25 * time.Second,
		ShutdownGrace:   cfg.Server.ShutdownGrace,
		GlobalPerMinute: cfg.Server.GlobalPerMinute,
		AddonPerMinute:  cfg.Server.AddonPerMinute,
		AuthPerMinute:   cfg.Server.AuthPerMinute,
	}, server.Deps{
		Resolver: resolver,
		Store:    store,
		Sessions: sessions,
		Cipher:   cipher,
		Client:   client,
		Engine:   engine,
		Facade:   facade,
		KV:       kv,
		Metrics:  reg,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	engineCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildConfigStore(db config.DatabaseConfig) (userconfig.Store, error) {
	if db.DSN == "" {
		log.Warn().Msg("No database configured; configurations are stored in memory only")
		return userconfig.NewMemoryStore(), nil
	}

	conn, err := sqlx.Connect("postgres", db.DSN)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)
	log.Info().Msg("Postgres config store connected")
	return userconfig.NewPostgresStore(conn), nil
}
