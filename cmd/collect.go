package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvest-engine/internal/app"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/progress"
)

type collectFlags struct {
	scrollCount int
	maxItems    int
	waitUntil   string
	noProgress  bool
}

// newCollectCmd creates the 'collect' subcommand: an industrial DOM and JSON
// collection written to a per-task output directory.
func newCollectCmd(state *rootState) *cobra.Command {
	flags := &collectFlags{}
	cmd := &cobra.Command{
		Use:   "collect URL",
		Short: "Scroll a page and collect every DOM and JSON payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := app.Options{}
			if !flags.noProgress {
				limit := flags.maxItems
				if limit <= 0 {
					limit = state.cfg.Collector.MaxItems
				}
				opts.Sinks = []progress.Sink{newBarSink(os.Stderr, limit, "collecting")}
			}
			a, closeApp, err := state.buildApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeApp()

			task, err := a.Execute(cmd.Context(), harvest.KindIndustrial, harvest.QueueItem{
				Action: harvest.ActionCollect,
				URL:    args[0],
				Collect: harvest.CollectOptions{
					ScrollCount: flags.scrollCount,
					MaxItems:    flags.maxItems,
					WaitUntil:   flags.waitUntil,
				},
			})
			printTask(cmd.OutOrStdout(), task)
			if task.ID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "output: %s\n", a.OutputDir(task.ID))
			}
			return err
		},
	}
	cmd.Flags().IntVar(&flags.scrollCount, "scroll-count", 0, "scroll rounds (0 uses the configured default)")
	cmd.Flags().IntVar(&flags.maxItems, "max-items", 0, "stop after this many items (0 uses the configured default)")
	cmd.Flags().StringVar(&flags.waitUntil, "wait-until", "", "navigation wait condition: load, domcontentloaded or networkidle")
	cmd.Flags().BoolVar(&flags.noProgress, "no-progress", false, "disable the progress bar")
	return cmd
}
