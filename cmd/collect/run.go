package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/LJTian/SourcePulse/internal/config"
	"github.com/LJTian/SourcePulse/internal/ingest"
	"github.com/LJTian/SourcePulse/internal/processor"
	"github.com/LJTian/SourcePulse/internal/scheduler"
	"github.com/LJTian/SourcePulse/internal/storage"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one scheduling tick against the database and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := loadDeps()
			if err != nil {
				return err
			}
			defer d.close()

			store, err := storage.NewStore(d.cfg.PostgresDSN, d.cfg.RedisAddr, d.log)
			if err != nil {
				return fmt.Errorf("init store: %w", err)
			}
			defer func() { _ = store.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// 与 cmd/api 保持一致：先确保种子数据源存在
			seeds, err := config.LoadSeeds(d.cfg.SeedFile)
			if err != nil {
				return err
			}
			store.ImportSeeds(ctx, seeds)

			var summarizer processor.Summarizer
			if d.cfg.AIEnabled() {
				summarizer = processor.NewOpenAISummarizer(d.cfg.OpenAIAPIKey, d.cfg.OpenAIBaseURL, d.cfg.OpenAIModel)
			}
			annotator := processor.NewAnnotator(summarizer, d.cfg.AITimeout, d.log)

			sched, err := scheduler.New(store, d.extractor, annotator, ingest.NewGate(store, d.log), scheduler.Options{
				TickSpec: d.cfg.TickSpec,
				Workers:  d.cfg.MaxConcurrentScrapers,
				Leaser:   store,
			}, d.log)
			if err != nil {
				return err
			}

			// 只执行一轮采集任务后退出
			summary := sched.RunOnce(ctx)
			renderSummary(cmd.OutOrStdout(), summary)
			if summary.Error != "" {
				return fmt.Errorf("tick failed: %s", summary.Error)
			}
			return nil
		},
	}
}

func renderSummary(w io.Writer, s scheduler.TickSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"Source", "Found", "Processed", "Duplicates", "Advanced", "Duration", "Error"})
	for _, o := range s.Outcomes {
		t.AppendRow(table.Row{o.SourceID, o.Found, o.Processed, o.Duplicates, o.Advanced, o.Duration.Round(time.Millisecond), o.ErrorText()})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", fmt.Sprintf("active %d, due %d, skipped %d", s.Active, s.Due, s.Skipped)})
	t.Render()
}
