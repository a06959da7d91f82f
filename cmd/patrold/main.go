package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sentinel-robotics/patrolcore/internal/api"
	"github.com/sentinel-robotics/patrolcore/internal/chread"
	"github.com/sentinel-robotics/patrolcore/internal/config"
	"github.com/sentinel-robotics/patrolcore/internal/debounce"
	"github.com/sentinel-robotics/patrolcore/internal/patrol"
	"github.com/sentinel-robotics/patrolcore/internal/relay"
	"github.com/sentinel-robotics/patrolcore/internal/storage"
	"github.com/sentinel-robotics/patrolcore/internal/store"
	"github.com/sentinel-robotics/patrolcore/internal/transport"
)

func main() {
	// Config file, then env overrides for deploy-time knobs
	cfg, err := config.Load(os.Getenv("PATROLD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %+v\n", err)
		os.Exit(1)
	}

	logger := mustBuildLogger(envOrDefault("PATROLD_LOG_LEVEL", cfg.Log.Level))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	httpAddr := envOrDefault("PATROLD_HTTP_ADDR", cfg.Server.Address)
	postgresDSN := envOrDefault("POSTGRES_DSN", cfg.Postgres.DSN)
	clickhouseDSN := envOrDefault("CLICKHOUSE_DSN", cfg.ClickHouse.DSN)
	brokerURL := envOrDefault("MQTT_BROKER_URL", cfg.MQTT.BrokerURL)

	logger.Info("starting patrold",
		zap.String("http_addr", httpAddr),
		zap.String("low_battery_action", cfg.Patrol.LowBatteryAction),
		zap.Int("min_observations", cfg.Debounce.MinObservations),
		zap.Bool("mqtt", brokerURL != ""),
	)

	// Audit sink: ClickHouse, or the log writer when no DSN is set
	var audit storage.AuditWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			audit = storage.NewLogWriter(logger)
		} else {
			audit = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		audit = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}

	// Postgres pool (routes, robots and patrol records)
	if postgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}
	db, err := sql.Open("pgx", postgresDSN)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	pgStore := store.NewStore(db)
	logger.Info("postgres connected")

	// ClickHouse reader (for the audit history endpoint)
	var chReader *chread.Reader
	if clickhouseDSN != "" {
		chReader, err = chread.NewReader(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			chReader = nil
		} else {
			defer func() { _ = chReader.Close() }()
			logger.Info("clickhouse reader connected")
		}
	}

	// Robot transport: MQTT broker, or the in-memory simulator
	var robots interface {
		patrol.Transport
		Close()
	}
	if brokerURL != "" {
		mq, err := transport.NewMQTT(transport.MQTTConfig{
			BrokerURL: brokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
		}, logger)
		if err != nil {
			logger.Fatal("mqtt connection failed", zap.Error(err))
		}
		robots = mq
	} else {
		robots = transport.NewSimulator(0, logger)
		logger.Info("no MQTT_BROKER_URL set, using in-memory simulator")
	}

	// Event relay for poll consumers
	bus := relay.NewBus(cfg.Relay.HistoryCap)

	orch := patrol.NewOrchestrator(patrol.OrchestratorParams{
		Defaults:  cfg.PatrolConfig(),
		Debouncer: debounce.New(cfg.DebounceConfig(), logger),
		Transport: robots,
		Records:   pgStore,
		Audit:     audit,
		Bus:       bus,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr: httpAddr,
		Handler: api.NewRouter(&api.Dependencies{
			Routes:   pgStore,
			Robots:   pgStore,
			Orch:     orch,
			Bus:      bus,
			Reader:   chReader,
			Logger:   logger,
			CacheTTL: cfg.RouteCacheTTL(),
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown: refuse new requests, stop patrols, then flush
	// the audit buffer last so final records make it out.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, httpServer.Shutdown(shutdownCtx))
	errs = multierr.Append(errs, orch.Close())
	bus.Close()
	robots.Close()
	audit.Close()
	if errs != nil {
		logger.Error("shutdown finished with errors", zap.Error(errs))
	}

	logger.Info("patrold stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
