package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/klaxonhq/klaxon/common/id"
	"github.com/klaxonhq/klaxon/common/logger"
	"github.com/klaxonhq/klaxon/common/otel"
	"github.com/klaxonhq/klaxon/core/config"
	"github.com/klaxonhq/klaxon/core/db"
	"github.com/klaxonhq/klaxon/internal/aggregation"
	"github.com/klaxonhq/klaxon/internal/auth"
	"github.com/klaxonhq/klaxon/internal/cache"
	"github.com/klaxonhq/klaxon/internal/contact"
	"github.com/klaxonhq/klaxon/internal/dispatch"
	"github.com/klaxonhq/klaxon/internal/escalation"
	"github.com/klaxonhq/klaxon/internal/maintenance"
	"github.com/klaxonhq/klaxon/internal/model"
	"github.com/klaxonhq/klaxon/internal/render"
	"github.com/klaxonhq/klaxon/internal/rpc"
	"github.com/klaxonhq/klaxon/internal/store"
	"github.com/klaxonhq/klaxon/internal/vendor"
)

const banner = `
██╗  ██╗██╗      █████╗ ██╗  ██╗ ██████╗ ███╗   ██╗
██║ ██╔╝██║     ██╔══██╗╚██╗██╔╝██╔═══██╗████╗  ██║
█████╔╝ ██║     ███████║ ╚███╔╝ ██║   ██║██╔██╗ ██║
██╔═██╗ ██║     ██╔══██║ ██╔██╗ ██║   ██║██║╚██╗██║
██║  ██╗███████╗██║  ██║██╔╝ ██╗╚██████╔╝██║ ╚████║
╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚═╝  ╚═╝ ╚═════╝ ╚═╝  ╚═══╝ sender
`

const sendQueueDepth = 1000

func main() {
	fmt.Printf("%s\n", banner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(config.ServiceTypeSender)
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

	slog.InfoContext(ctx, "klaxon sender starting",
		"env", cfg.Env, "master", cfg.Sender.Master, "workers", cfg.Sender.Workers)

	// A different node id than the API keeps snowflake ids disjoint.
	if err := id.Init(2); err != nil {
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

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected")

	stores := store.FromDB(database)

	mirror := cache.New(stores, nil)
	if err := mirror.Refresh(ctx); err != nil {
		slog.ErrorContext(ctx, "initial cache refresh failed", "error", err)
		os.Exit(1)
	}

	sendQ := make(chan *model.Message, sendQueueDepth)

	renderer := render.New(mirror, stores.Messages)
	if cfg.Oneclick.Enabled {
		oneclick := auth.NewOneclick(cfg.Oneclick.Key, cfg.Oneclick.BaseURL)
		renderer.ClaimURL = oneclick.ClaimURL
	}

	resolver := contact.New(stores.Contacts, mirror,
		contact.NewTracker(redisClient), cfg.Sender.TargetFallbackMode)
	vendors := vendor.Build(cfg.Vendors, cfg.Sender.SkipSend)
	rpcClient := rpc.NewClient(cfg.Sender.RPCTimeout)

	dispatcher := dispatch.New(dispatch.Config{
		Workers: cfg.Sender.Workers,
		Slaves:  cfg.Sender.Slaves,
	}, sendQ, resolver, renderer, vendors, stores.Messages, stores.Audit, rpcClient)
	dispatcher.Start(ctx)

	esc := escalation.New(stores.Incidents, stores.Messages, stores.Audit, mirror, renderer, sendQ)
	agg := aggregation.New(mirror, stores.Messages, stores.Audit, sendQ)

	rpcServer := rpc.NewServer(cfg.Sender.RPCAddr)
	rpcServer.Handle(rpc.EndpointSlaveSend, slaveSendHandler(sendQ))
	rpcServer.Handle(rpc.EndpointSend, notificationHandler(mirror, sendQ))
	if err := rpcServer.Start(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to start rpc server", "error", err)
		os.Exit(1)
	}

	loop := maintenance.New(mirror, esc, agg, stores.Audit, cfg.Sender.Master, cfg.Sender.LoopInterval)
	loop.Start(ctx)

	slog.InfoContext(ctx, "sender bootstrapped")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	loop.Stop()
	rpcServer.Stop()
	cancel()
	dispatcher.Wait()

	if telemetry != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.Info("shutdown complete")
}
