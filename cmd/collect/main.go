package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LJTian/SourcePulse/internal/browser"
	"github.com/LJTian/SourcePulse/internal/collector"
	"github.com/LJTian/SourcePulse/internal/config"
	"github.com/LJTian/SourcePulse/internal/logger"
)

// 命令行入口：手动触发一轮采集，或在不连数据库的情况下试抓某个 URL
func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "collect",
		Short:         "Run source scans from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newProbeCommand())
	return root
}

// deps 两个子命令共用的抓取组件
type deps struct {
	cfg       *config.Config
	log       *zap.SugaredLogger
	engine    *browser.Engine
	extractor *collector.Extractor
}

func loadDeps() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	engine := browser.NewEngine(browser.Options{
		ExecPath:  cfg.ChromePath,
		UserAgent: cfg.UserAgent,
		MaxPages:  cfg.BrowserMaxPages,
	}, log)
	extractor := collector.NewExtractor(engine, collector.Options{
		UserAgent:           cfg.UserAgent,
		FetchTimeout:        cfg.FetchTimeout,
		ContentWait:         cfg.ContentWaitTimeout,
		Settle:              cfg.SettleDelay,
		ReadabilityFallback: cfg.ReadabilityFallback,
	}, log)
	return &deps{cfg: cfg, log: log, engine: engine, extractor: extractor}, nil
}

func (d *deps) close() {
	d.engine.Close()
	_ = d.log.Sync()
}
