package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/harvest-engine/internal/app"
	"github.com/JakeFAU/harvest-engine/internal/architect"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

const defaultStrategyFile = "strategy.yaml"

type runFlags struct {
	table        string
	review       bool
	strategyFile string
}

// newRunCmd creates the 'run' subcommand: one pipeline task executed in the
// foreground. With --review the task stops after the architect phase and the
// proposed strategy is written to a YAML file for editing.
func newRunCmd(state *rootState) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run URL",
		Short: "Discover, design and harvest a page's data API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := state.buildApp(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer closeApp()

			task, err := a.Execute(cmd.Context(), harvest.KindPipeline, harvest.QueueItem{
				Action:    harvest.ActionRun,
				URL:       args[0],
				TableHint: flags.table,
				Review:    flags.review,
			})
			printTask(cmd.OutOrStdout(), task)
			if err != nil {
				return err
			}
			if task.Status != harvest.StatusPaused {
				return nil
			}
			if task.State.Strategy == nil {
				return errors.New("task paused without a strategy")
			}
			if err := writeStrategy(flags.strategyFile, *task.State.Strategy); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "strategy written to %s; edit it, then run:\n  harvest resume %s --task %s --strategy %s\n",
				flags.strategyFile, args[0], task.ID, flags.strategyFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.table, "table", "", "destination table name (defaults to the architect's choice)")
	cmd.Flags().BoolVar(&flags.review, "review", false, "pause after the architect phase for strategy review")
	cmd.Flags().StringVar(&flags.strategyFile, "strategy-out", defaultStrategyFile, "where --review writes the proposed strategy")
	return cmd
}

type resumeFlags struct {
	taskID       string
	table        string
	strategyFile string
}

// newResumeCmd creates the 'resume' subcommand, which harvests with a
// reviewed strategy.
func newResumeCmd(state *rootState) *cobra.Command {
	flags := &resumeFlags{}
	cmd := &cobra.Command{
		Use:   "resume URL",
		Short: "Harvest a page with a reviewed strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := readStrategy(flags.strategyFile)
			if err != nil {
				return err
			}
			a, closeApp, err := state.buildApp(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer closeApp()

			task, err := a.Execute(cmd.Context(), harvest.KindPipeline, harvest.QueueItem{
				TaskID:    flags.taskID,
				Action:    harvest.ActionResume,
				URL:       args[0],
				TableHint: flags.table,
				Strategy:  &strategy,
			})
			printTask(cmd.OutOrStdout(), task)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.taskID, "task", "", "paused task to resume (a new task is created when unknown)")
	cmd.Flags().StringVar(&flags.table, "table", "", "destination table name override")
	cmd.Flags().StringVar(&flags.strategyFile, "strategy", defaultStrategyFile, "reviewed strategy YAML file")
	return cmd
}

func writeStrategy(path string, s harvest.Strategy) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode strategy: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write strategy: %w", err)
	}
	return nil
}

func readStrategy(path string) (harvest.Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return harvest.Strategy{}, fmt.Errorf("read strategy: %w", err)
	}
	var s harvest.Strategy
	if err := yaml.Unmarshal(data, &s); err != nil {
		return harvest.Strategy{}, fmt.Errorf("decode strategy %s: %w", path, err)
	}
	if err := architect.Validate(s); err != nil {
		return harvest.Strategy{}, fmt.Errorf("strategy %s: %w", path, err)
	}
	return s, nil
}
