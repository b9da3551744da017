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

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/klaxonhq/klaxon/common/id"
	"github.com/klaxonhq/klaxon/common/logger"
	"github.com/klaxonhq/klaxon/common/otel"
	"github.com/klaxonhq/klaxon/core/config"
	"github.com/klaxonhq/klaxon/core/db"
	"github.com/klaxonhq/klaxon/internal/auth"
	"github.com/klaxonhq/klaxon/internal/http/handler"
	"github.com/klaxonhq/klaxon/internal/http/middleware"
	httprouter "github.com/klaxonhq/klaxon/internal/http/router"
	"github.com/klaxonhq/klaxon/internal/rpc"
	"github.com/klaxonhq/klaxon/internal/store"
)

const banner = `
██╗  ██╗██╗      █████╗ ██╗  ██╗ ██████╗ ███╗   ██╗
██║ ██╔╝██║     ██╔══██╗╚██╗██╔╝██╔═══██╗████╗  ██║
█████╔╝ ██║     ███████║ ╚███╔╝ ██║   ██║██╔██╗ ██║
██╔═██╗ ██║     ██╔══██║ ██╔██╗ ██║   ██║██║╚██╗██║
██║  ██╗███████╗██║  ██║██╔╝ ██╗╚██████╔╝██║ ╚████║
╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚═╝  ╚═╝ ╚═════╝ ╚═╝  ╚═══╝ api
`

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeAPI)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "klaxon api starting", "env", cfg.Env)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	stores := store.FromDB(database)

	keys := auth.NewKeys(stores.Targets)
	if err := keys.Refresh(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to load application keys", "error", err)
		os.Exit(1)
	}
	keysCtx, cancelKeys := context.WithCancel(ctx)
	defer cancelKeys()
	go keys.Run(keysCtx, time.Minute)

	var oneclick *auth.Oneclick
	if cfg.Oneclick.Enabled {
		oneclick = auth.NewOneclick(cfg.Oneclick.Key, cfg.Oneclick.BaseURL)
	}

	rpcClient := rpc.NewClient(cfg.Sender.RPCTimeout)

	handlers := httprouter.Handlers{
		Incidents:     handler.NewIncidentHandler(stores),
		Messages:      handler.NewMessageHandler(stores),
		Plans:         handler.NewPlanHandler(stores),
		Notifications: handler.NewNotificationHandler(rpcClient, cfg.Sender.RPCAddr),
		Responses:     handler.NewResponseHandler(stores, oneclick),
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	httprouter.SetupRoutes(router, handlers, keys)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}
