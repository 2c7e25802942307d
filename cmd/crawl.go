// Package cmd defines and implements the CLI commands for the harvest executable.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvest-engine/internal/app"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

type crawlFlags struct {
	table       string
	columns     []string
	maxPages    int
	concurrency int
}

// newCrawlCmd creates and configures the 'crawl' subcommand.
// It fetches listing pages with Colly, has the language model extract the
// requested columns from each, and appends the rows to the CSV and SQL exports.
func newCrawlCmd(state *rootState) *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl URL",
		Short: "Crawl paginated pages and extract columns with the language model",
		Long: `Fetches the given page and, when it carries a page=N query parameter or a
/page/N path segment, the following pages in parallel. Otherwise next-page
links are discovered one page at a time. Every page becomes one CSV row.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := state.buildApp(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer closeApp()

			columns := flags.columns
			if len(columns) == 0 {
				columns = []string{"content"}
			}
			task, err := a.Execute(cmd.Context(), harvest.KindCrawl, harvest.QueueItem{
				Action:    harvest.ActionCrawl,
				URL:       args[0],
				TableHint: flags.table,
				Crawl: harvest.CrawlOptions{
					MaxPages:    flags.maxPages,
					Columns:     columns,
					Concurrency: flags.concurrency,
				},
			})
			printTask(cmd.OutOrStdout(), task)
			if err != nil {
				return fmt.Errorf("run crawl: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.table, "table", "", "table name used in the SQL export")
	cmd.Flags().StringSliceVar(&flags.columns, "columns", nil, "columns to extract from each page (default content)")
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "pages to fetch (0 uses the configured default)")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "parallel fetches (0 uses the configured default)")
	return cmd
}
