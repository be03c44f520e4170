package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fiyattakibi/internal/api"
	"fiyattakibi/internal/api/middleware"
	"fiyattakibi/internal/api/scheduler"
	"fiyattakibi/internal/browser"
	"fiyattakibi/internal/competitor"
	"fiyattakibi/internal/config"
	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/dedup"
	"fiyattakibi/internal/pkg/logger"
	"fiyattakibi/internal/pkg/notify"
	"fiyattakibi/internal/pkg/outbox"
	"fiyattakibi/internal/pkg/ratelimit"
	"fiyattakibi/internal/pkg/slot"
	"fiyattakibi/internal/progress"
	"fiyattakibi/internal/retailer"
	"fiyattakibi/internal/session"
	"fiyattakibi/internal/source"
	"fiyattakibi/internal/store"
	"fiyattakibi/internal/tracker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// main 是价格跟踪服务的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 连接 Redis / MySQL，启动浏览器
// 3. 组装编排器、调度器与 HTTP 接口
// 4. 收到信号后优雅退出
func main() {
	configPath := flag.String("config", "", "config file path (default configs/config.json)")
	issueToken := flag.String("issue-token", "", "print a bearer token for the given subject and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of the token printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if *issueToken != "" {
		token, err := middleware.IssueToken(cfg.Security.JWTSecret, *issueToken, *tokenTTL)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error("tracker exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	var bulk store.BulkStore = store.NewMemoryBulk()
	if cfg.MySQL.DSN != "" {
		db, err := store.OpenMySQL(cfg.MySQL.DSN)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		bulk = store.NewGormBulk(db)
	} else {
		appLogger.Warn("mysql dsn empty, product metadata kept in memory")
	}
	productStore := store.NewProductStore(store.NewRedisKV(rdb, cfg.App.KeyPrefix), bulk)

	provider, err := browser.New(ctx, cfg.Browser, appLogger)
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer provider.Close()
	runner := session.NewRunner(provider, appLogger, session.Options{Timeout: cfg.Browser.PageTimeout})

	var limiter retailer.Limiter
	if cfg.App.RateLimit > 0 {
		limiter = ratelimit.NewRedisRateLimiter(rdb, appLogger, cfg.App.KeyPrefix+":ratelimit", cfg.App.RateLimit, cfg.App.RateBurst)
	}
	retailers := retailer.Registry{
		model.PlatformAmazon:      retailer.NewAmazon(cfg.Browser.UserAgent, cfg.Browser.RetailerTimeout, limiter, appLogger),
		model.PlatformHepsiburada: retailer.NewHepsiburada(runner, cfg.Browser.RetailerTimeout, appLogger),
	}

	httpc := &http.Client{Timeout: cfg.Sources.HTTPTimeout}
	compClient, err := competitor.NewClient(runner, httpc, cfg.Competitor, cfg.Browser.CompetitorTimeout, appLogger)
	if err != nil {
		return err
	}
	compClient.SetLocation(cfg.App.Location())

	var lease *slot.Lease
	if cfg.Competitor.UseSlot {
		lease = slot.NewLease(rdb, cfg.App.KeyPrefix+":slot:competitor", cfg.Competitor.SlotTTL)
	}

	// 通知：邮件 + 日志，经 Redis 去重后进入外发队列
	notifiers := notify.Multi{notify.NewLogNotifier(appLogger)}
	if email := notify.NewEmailNotifier(&cfg.Email, appLogger); email.Configured() {
		notifiers = append(notifiers, email)
	}
	deduper := dedup.NewDeduplicator(rdb, cfg.App.NotifyDedupWindow, cfg.App.KeyPrefix+":dedup:notify:")
	notifier := dedup.NewNotifier(notifiers, deduper, appLogger)

	// 外发队列不跟随信号取消，退出时排空
	deliveries := outbox.New(appLogger, outbox.Options{})
	deliveries.Start(context.Background())

	events := progress.NewBroadcaster(8)
	sinks := progress.Fanout{
		events,
		progress.NewRedisSink(rdb, cfg.App.KeyPrefix+":progress", appLogger),
		progress.NewLogSink(appLogger),
	}

	deps := tracker.Deps{
		Store:      productStore,
		Retailers:  retailers,
		Competitor: compClient,
		External:   source.NewExternalClient(cfg.Sources, httpc, appLogger),
		Notifier:   notifier,
		Outbox:     deliveries,
		Progress:   sinks,
		Lease:      lease,
	}
	// 未启用时保持接口为 nil
	if fp := source.NewFirstPartyClient(cfg.Sources, httpc, appLogger); fp.Enabled() {
		deps.FirstParty = fp
		deps.Reporter = fp
	}

	orch := tracker.New(deps, tracker.Options{
		MaxItems:     cfg.App.MaxItems,
		Freshness:    cfg.Competitor.Freshness,
		DelayMin:     cfg.Competitor.DelayMin,
		DelayMax:     cfg.Competitor.DelayMax,
		PollInterval: cfg.Competitor.PollInterval,
		Logger:       appLogger,
	})
	orch.Start(ctx)

	sched := scheduler.NewScheduler(orch, appLogger, cfg.App.SchedulerTick)
	go sched.Run(ctx)

	srv := api.NewServer(appLogger, orch, events, rdb, cfg.Security.JWTSecret)
	if cfg.Security.JWTSecret == "" {
		appLogger.Warn("jwt secret empty, api authentication disabled")
	}
	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	var metricsServer *http.Server
	if cfg.App.MetricsAddr != "" && cfg.App.MetricsAddr != cfg.App.HTTPAddr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.App.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			appLogger.Info("metrics server listening", slog.String("addr", cfg.App.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	<-ctx.Done()
	appLogger.Info("shutting down tracker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	// 运行中的更新随 ctx 取消回到空闲
	if err := orch.Wait(shutdownCtx); err != nil {
		appLogger.Warn("update did not stop in time", slog.String("error", err.Error()))
	}
	if err := deliveries.Shutdown(5 * time.Second); err != nil {
		appLogger.Warn("outbox not drained", slog.String("error", err.Error()))
	}
	return nil
}
