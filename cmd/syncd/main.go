// cmd/syncd — 会话同步服务主入口: 订阅事件流, 聚合会话状态, 暴露 HTTP API。
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/multi-agent/convo-sync/internal/api"
	"github.com/multi-agent/convo-sync/internal/bus"
	"github.com/multi-agent/convo-sync/internal/config"
	"github.com/multi-agent/convo-sync/internal/database"
	"github.com/multi-agent/convo-sync/internal/feed"
	"github.com/multi-agent/convo-sync/internal/session"
	"github.com/multi-agent/convo-sync/internal/store"
	"github.com/multi-agent/convo-sync/pkg/logger"
	"github.com/multi-agent/convo-sync/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir, cfg.LogLevel); err != nil {
			logger.Init(cfg.LogLevel)
			logger.Warn("log file unavailable, stdout only", logger.Any(logger.FieldError, err))
		} else {
			defer logger.ShutdownFileHandler()
		}
	} else {
		logger.Init(cfg.LogLevel)
	}

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database init failed", logger.Any(logger.FieldError, err))
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema init failed", logger.Any(logger.FieldError, err))
	}

	gw := store.NewGateway(pool, cfg.HistoryPageSize)
	msgBus := bus.NewMessageBus()
	engine := session.NewEngine(gw, msgBus, cfg.FeedUserID, session.NopHooks{})

	registry := feed.NewRegistry()
	feedOpts := feed.Options{
		URL:          cfg.FeedURL,
		UserID:       cfg.FeedUserID,
		ReconnectMin: time.Duration(cfg.FeedReconnectMinMS) * time.Millisecond,
		ReconnectMax: time.Duration(cfg.FeedReconnectMaxMS) * time.Millisecond,
		PingInterval: time.Duration(cfg.FeedPingIntervalSec) * time.Second,
	}
	client := registry.Acquire(feedOpts)
	defer registry.Release(feedOpts.URL, feedOpts.UserID)

	client.OnStateChange(engine.SetConnection)
	client.OnLogUpdate(engine.IngestLog)

	srv := api.NewServer(engine, gw.Threads(), gw.Approvals(), cfg.FeedUserID, cfg.ThreadPageSize)
	logger.Infow("syncd starting", logger.FieldAddr, cfg.APIListenAddr, logger.FieldURL, cfg.FeedURL)

	util.SafeGo(func() {
		if err := srv.Run(cfg.APIListenAddr); err != nil {
			logger.Fatal("api server failed", logger.Any(logger.FieldError, err))
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")
}
