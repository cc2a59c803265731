package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/eke-engine/internal/api"
	"github.com/snarg/eke-engine/internal/broker"
	"github.com/snarg/eke-engine/internal/config"
	"github.com/snarg/eke-engine/internal/database"
	"github.com/snarg/eke-engine/internal/metrics"
	"github.com/snarg/eke-engine/internal/pipeline"
	"github.com/snarg/eke-engine/internal/registry"
)

var version = "dev"

func main() {
	startTime := time.Now()

	appFlag := flag.String("app", "", "pipeline role (overrides APP_NAME)")
	envFlag := flag.String("env", "", "path to .env file")
	httpFlag := flag.String("http", "", "http listen address (overrides HTTP_ADDR)")
	logFlag := flag.String("log", "", "log level (overrides LOG_LEVEL)")
	flag.Parse()

	// Config
	cfg, err := config.Load(config.Overrides{
		EnvFile:  *envFlag,
		AppName:  *appFlag,
		HTTPAddr: *httpFlag,
		LogLevel: *logFlag,
	})
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Str("role", cfg.AppName).Msg("eke-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database, for the roles that persist
	var db *database.DB
	if cfg.AppName == config.RolePGSink || cfg.AppName == config.RoleAll {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.PostgresConnStr, dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("schema migration failed")
		}
	}

	// Broker, for the distributed roles
	var br *broker.Client
	if cfg.AppName != config.RoleAll {
		brokerLog := log.With().Str("component", "mqtt").Logger()
		br, err = broker.Connect(broker.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientName,
			InputTopic:  cfg.MQTTInputTopic,
			OutputTopic: cfg.MQTTOutputTopic,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         brokerLog,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer br.Close()
	}

	// Balise registry, for the event roles
	var reg *registry.Registry
	if cfg.AppName == config.RoleEventCreator || cfg.AppName == config.RoleAll {
		reg, err = registry.Load(cfg.BaliseDataFile, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load balise registry")
		}
		go func() {
			if err := reg.Watch(ctx.Done()); err != nil {
				log.Warn().Err(err).Msg("registry watcher stopped")
			}
		}()
	}

	// Pipeline
	p := pipeline.New(cfg, br, db, reg, log)
	var pool *pgxpool.Pool
	if db != nil {
		pool = db.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(pool, p))

	// HTTP server for health and metrics
	httpLog := log.With().Str("component", "http").Logger()
	var brokerStatus api.BrokerStatus
	if br != nil {
		brokerStatus = br
	}
	srv := api.NewServer(cfg, db, brokerStatus, version, startTime, httpLog)

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Start()
	}()
	go func() {
		errCh <- p.Run(ctx)
	}()

	// Wait for shutdown signal, pipeline completion or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("pipeline error")
		} else {
			log.Info().Msg("pipeline finished")
		}
	}
	stop()

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("eke-engine stopped")
}
