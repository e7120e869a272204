package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/LJTian/SourcePulse/internal/collector"
	"github.com/LJTian/SourcePulse/internal/processor"
)

const probeTimeout = 2 * time.Minute

type probeOptions struct {
	url      string
	kind     string
	limit    int
	annotate bool
}

func newProbeCommand() *cobra.Command {
	opts := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Extract fragments from a URL without touching the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := collector.ParseKind(opts.kind)
			if err != nil {
				return err
			}
			d, err := loadDeps()
			if err != nil {
				return err
			}
			defer d.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
			defer cancel()

			frags, err := d.extractor.Extract(ctx, collector.Target{URL: opts.url, Kind: kind, ResultCap: opts.limit})
			if err != nil {
				return err
			}

			var annotated []processor.AnnotatedFragment
			if opts.annotate {
				a := processor.NewAnnotator(nil, 0, d.log)
				for _, f := range frags {
					annotated = append(annotated, a.Annotate(ctx, f))
				}
			}
			renderFragments(cmd.OutOrStdout(), frags, annotated)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "page to extract")
	cmd.Flags().StringVar(&opts.kind, "kind", string(collector.KindSite), "source kind: site, social-feed-a or social-feed-b")
	cmd.Flags().IntVar(&opts.limit, "cap", 5, "maximum fragments to keep")
	cmd.Flags().BoolVar(&opts.annotate, "annotate", false, "also run the local summary and sentiment")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// renderFragments annotated 为空时只输出原始片段
func renderFragments(w io.Writer, frags []collector.RawFragment, annotated []processor.AnnotatedFragment) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Title", WidthMax: 48},
		{Name: "Summary", WidthMax: 60},
	})

	if len(annotated) > 0 {
		t.AppendHeader(table.Row{"#", "Title", "URL", "Sentiment", "Keywords", "Summary"})
		for i, a := range annotated {
			t.AppendRow(table.Row{i + 1, a.Title, a.URL, a.Sentiment, fmt.Sprint(a.Keywords), a.Summary})
		}
	} else {
		t.AppendHeader(table.Row{"#", "Title", "URL", "Author", "Published"})
		for i, f := range frags {
			t.AppendRow(table.Row{i + 1, f.Title, f.URL, f.Author, f.PublishedAt.Format(time.RFC3339)})
		}
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d fragments", len(frags))})
	t.Render()
}
