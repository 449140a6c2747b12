// bridged is the reference bridge host: it loads configuration from the
// environment (with optional Vault overrides), wires Postgres-backed outbox
// and inbox stores when a database is configured, runs the consumer with a
// staleness-aware apply handler, and serves the operational endpoints.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/attaradev/jetstream-bridge/bridge"
	"github.com/attaradev/jetstream-bridge/config"
	"github.com/attaradev/jetstream-bridge/inbox"
	"github.com/attaradev/jetstream-bridge/outbox"
	"github.com/attaradev/jetstream-bridge/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "bridged", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "bridged", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	// ── Configuration ──────────────────────────────────────────────────────
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}

	databaseURL := os.Getenv("DATABASE_URL")

	// Vault overrides are optional: only consulted when VAULT_ADDR is set.
	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		manager, err := config.NewSecretManager(vaultAddr, os.Getenv("VAULT_TOKEN"))
		if err != nil {
			logger.Fatal("Vault connection failed", zap.Error(err))
		}
		secretPath := os.Getenv("VAULT_SECRET_PATH")
		if secretPath == "" {
			secretPath = "secret/data/jetstream-bridge"
		}
		secrets, err := manager.BridgeSecrets(secretPath)
		if err != nil {
			logger.Fatal("failed to load secrets from Vault", zap.Error(err))
		}
		cfg.ApplySecrets(secrets)
		if secrets.DatabaseURL != "" {
			databaseURL = secrets.DatabaseURL
		}
		logger.Info("Vault secrets applied", zap.String("path", secretPath))
	}

	// ── Database-backed stores (optional) ──────────────────────────────────
	var opts []bridge.Option
	opts = append(opts, bridge.WithLogger(logger))
	if databaseURL != "" {
		poolCfg, err := pgxpool.ParseConfig(databaseURL)
		if err != nil {
			logger.Fatal("failed to parse DATABASE_URL", zap.Error(err))
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
		pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		logger.Info("connected to database (OTel-instrumented)")

		opts = append(opts,
			bridge.WithOutboxStore(outbox.NewPG(pool)),
			bridge.WithInboxStore(inbox.NewPG(pool)),
		)
	}

	// ── Bridge ─────────────────────────────────────────────────────────────
	br, err := bridge.New(cfg, opts...)
	if err != nil {
		logger.Fatal("bridge initialization failed", zap.Error(err))
	}
	if err := br.Start(context.Background()); err != nil {
		logger.Fatal("bridge start failed", zap.Error(err))
	}

	// ── Consumer ───────────────────────────────────────────────────────────
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	applier := newApplier(logger)
	sub, err := br.Subscribe(applier.Apply)
	if err != nil {
		logger.Fatal("subscribe failed", zap.Error(err))
	}
	go func() {
		if err := sub.Run(consumerCtx); err != nil {
			logger.Error("consumer exited", zap.Error(err))
		}
	}()
	logger.Info("bridge consumer started",
		zap.String("app", cfg.AppName),
		zap.String("destination", cfg.DestinationApp),
	)

	// ── HTTP server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("bridged"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	registerRoutes(e, br)

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	go func() {
		logger.Info("bridged HTTP server listening", zap.String("addr", listenAddr))
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	consumerCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := br.Shutdown(shutdownCtx); err != nil {
		logger.Error("bridge shutdown failed", zap.Error(err))
	}
	logger.Info("bridged stopped")
}

func registerRoutes(e *echo.Echo, br *bridge.Bridge) {
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/sync_status", func(c echo.Context) error {
		ctx := c.Request().Context()
		status := map[string]any{"checked_at": time.Now().UTC()}
		if st := br.OutboxStore(); st != nil {
			counts, err := st.CountByStatus(ctx)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
			status["outbox"] = counts
		}
		if st := br.InboxStore(); st != nil {
			counts, err := st.CountByStatus(ctx)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
			status["inbox"] = counts
		}
		return c.JSON(http.StatusOK, status)
	})

	e.GET("/health/jetstream", func(c echo.Context) error {
		h := br.HealthCheck(c.Request().Context())
		code := http.StatusOK
		if !h.Connected {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, h)
	})
}
