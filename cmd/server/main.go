package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kb-engine/api"
	"kb-engine/internal/adapter/httpapi"
	"kb-engine/internal/di"
	"kb-engine/internal/infra"
	"kb-engine/internal/infra/config"
	"kb-engine/internal/infra/logger"
	"kb-engine/internal/infra/otel"
)

func main() {
	// 1. Load Config
	cfg := config.Load()

	// 2. Initialize OpenTelemetry (traces + log export)
	otelCfg := otel.ConfigFromEnv()
	otelShutdown, err := otel.InitProvider(context.Background(), otelCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init otel: %v\n", err)
		os.Exit(1)
	}

	// 3. Initialize Logger
	log := logger.NewWithOTel(otelCfg.Enabled)
	slog.SetDefault(log)

	// 4. Connect PostgreSQL
	dbPool, err := infra.NewPostgresDB(context.Background(), cfg.DB.DSN(), infra.PoolConfig{
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		log.Error("failed to connect to db", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// 5. Connect Redis
	redisClient, err := infra.NewRedisClient(context.Background(), cfg.Redis.URL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// 6. Connect Meilisearch
	meili, err := infra.NewMeilisearchClient(cfg.Meili.Host, cfg.Meili.APIKey, log)
	if err != nil {
		log.Error("failed to connect to meilisearch", "error", err)
		os.Exit(1)
	}

	// 7. Wire Components
	components, err := di.NewApplicationComponents(cfg, dbPool, redisClient, meili, log)
	if err != nil {
		log.Error("failed to wire components", "error", err)
		os.Exit(1)
	}

	// 8. Start Stage Workers
	for _, w := range components.Workers {
		if err := w.Start(context.Background()); err != nil {
			log.Error("failed to start stage worker", "error", err)
			os.Exit(1)
		}
	}

	// 9. Initialize Echo
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("http_request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Int64("latency_ms", v.Latency.Milliseconds()))
			return nil
		},
	}))

	validator, err := httpapi.OpenAPIValidation(api.OpenAPISpec)
	if err != nil {
		log.Error("failed to build openapi validator", "error", err)
		os.Exit(1)
	}
	e.Use(validator)

	// 10. Register Handlers
	handler := httpapi.NewHandler(components.KnowledgeBases, components.Documents, components.Retriever)
	handler.Register(e)

	// 11. Health Checks and Metrics
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/readyz", func(c echo.Context) error {
		ctx := c.Request().Context()
		if err := dbPool.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "db down", "error": err.Error()})
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "redis down", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// 12. Start Server
	go func() {
		addr := ":" + cfg.Server.Port
		log.Info("starting server", "addr", addr, "env", cfg.Server.Env)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	// 13. Graceful Shutdown: stop taking requests, drain the workers, then
	// flush telemetry. Connections close via the defers above.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
	for _, w := range components.Workers {
		w.Stop()
	}
	if err := otelShutdown(ctx); err != nil {
		log.Warn("otel shutdown failed", "error", err)
	}
}
