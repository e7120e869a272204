package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/LJTian/SourcePulse/internal/api"
	"github.com/LJTian/SourcePulse/internal/browser"
	"github.com/LJTian/SourcePulse/internal/collector"
	"github.com/LJTian/SourcePulse/internal/config"
	"github.com/LJTian/SourcePulse/internal/ingest"
	"github.com/LJTian/SourcePulse/internal/logger"
	"github.com/LJTian/SourcePulse/internal/metrics"
	"github.com/LJTian/SourcePulse/internal/processor"
	"github.com/LJTian/SourcePulse/internal/scheduler"
	"github.com/LJTian/SourcePulse/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 本地开发时从 .env 读取配置，文件不存在时忽略
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	store, err := storage.NewStore(cfg.PostgresDSN, cfg.RedisAddr, zl)
	if err != nil {
		zl.Fatalw("init store failed", "error", err)
	}
	defer func() { _ = store.Close() }()

	seeds, err := config.LoadSeeds(cfg.SeedFile)
	if err != nil {
		zl.Fatalw("load seed file failed", "file", cfg.SeedFile, "error", err)
	}
	if len(seeds) > 0 {
		n := store.ImportSeeds(context.Background(), seeds)
		zl.Infow("seed sources ensured", "file", cfg.SeedFile, "count", n, "total", len(seeds))
	}

	// 浏览器按需懒启动，首个需要渲染的扫描才会拉起 Chrome
	engine := browser.NewEngine(browser.Options{
		ExecPath:  cfg.ChromePath,
		UserAgent: cfg.UserAgent,
		MaxPages:  cfg.BrowserMaxPages,
	}, zl)
	defer engine.Close()

	extractor := collector.NewExtractor(engine, collector.Options{
		UserAgent:           cfg.UserAgent,
		FetchTimeout:        cfg.FetchTimeout,
		ContentWait:         cfg.ContentWaitTimeout,
		Settle:              cfg.SettleDelay,
		ReadabilityFallback: cfg.ReadabilityFallback,
	}, zl)

	var summarizer processor.Summarizer
	if cfg.AIEnabled() {
		summarizer = processor.NewOpenAISummarizer(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
		zl.Infow("ai annotation enabled", "model", cfg.OpenAIModel)
	} else {
		zl.Info("ai annotation disabled, using local extractive summary")
	}
	annotator := processor.NewAnnotator(summarizer, cfg.AITimeout, zl)

	m := metrics.New()
	sched, err := scheduler.New(store, extractor, annotator, ingest.NewGate(store, zl), scheduler.Options{
		TickSpec: cfg.TickSpec,
		Warmup:   cfg.WarmupDelay,
		Workers:  cfg.MaxConcurrentScrapers,
		Leaser:   store,
		Metrics:  m,
	}, zl)
	if err != nil {
		zl.Fatalw("init scheduler failed", "error", err)
	}
	sched.Start()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	// 若配置了全局访问密码，则启用 Basic Auth 保护（/health 仍然免认证）
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPass != "" {
		r.Use(api.BasicAuth(cfg.BasicAuthUser, cfg.BasicAuthPass))
	}
	api.NewServer(store, sched, m.Handler(), zl).RegisterRoutes(r)

	srv := &http.Server{Addr: ":" + cfg.AppPort, Handler: r}
	go func() {
		zl.Infow("starting api server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatalw("server exit", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	zl.Infow("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zl.Warnw("http shutdown failed", "error", err)
	}
	// 停止调度：进行中的扫描被作废，但扫描记录会写完
	sched.Stop()
}
