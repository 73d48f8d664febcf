package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/dmagent/tracestore"
)

var (
	historySession string
	historyLimit   int
)

// historyCmd inspects persisted runs
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect past task runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  listHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a run with its step trace",
	Args:  cobra.ExactArgs(1),
	RunE:  showRun,
}

func init() {
	historyListCmd.Flags().StringVarP(&historySession, "session", "s", "", "Only runs of this session")
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "l", tracestore.DefaultListLimit, "Maximum number of runs")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
}

func openStore() (*tracestore.Store, error) {
	if !cfg.Store.Enabled {
		return nil, errors.New("run history is disabled (store.enabled: false)")
	}
	return tracestore.Open(cfg.Store.Path, tracestore.WithLogger(logger))
}

func listHistory(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Runs(commandContext(cmd), tracestore.Filter{SessionID: historySession, Limit: historyLimit})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	fmt.Fprintf(out, "Runs (%d):\n\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(out, "  %s  %s  %-16s %3d steps  %s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04"), r.State, r.StepCount, firstLine(r.Task, 60))
	}
	fmt.Fprintln(out, "\nUse 'dmagent history show <run-id>' for the step trace.")
	return nil
}

func showRun(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	run, steps, err := store.Run(commandContext(cmd), args[0])
	if errors.Is(err, tracestore.ErrNotFound) {
		return fmt.Errorf("run %s not found", args[0])
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:      %s\n", run.ID)
	fmt.Fprintf(out, "Session:  %s\n", run.SessionID)
	fmt.Fprintf(out, "Task:     %s\n", run.Task)
	fmt.Fprintf(out, "State:    %s\n", run.State)
	fmt.Fprintf(out, "Duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	if len(run.Skills) > 0 {
		fmt.Fprintf(out, "Skills:   %s\n", strings.Join(run.Skills, ", "))
	}
	if run.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", run.Error)
	}
	if len(run.Plan) > 0 {
		fmt.Fprintf(out, "\nPlan:\n%s\n", run.Plan.String())
	}

	fmt.Fprintf(out, "\nSteps (%d):\n", len(steps))
	for _, s := range steps {
		label := s.Capability
		if label == "" {
			label = "(none)"
		}
		fmt.Fprintf(out, "  [%d] %s %s\n", s.Index, label, s.Arguments)
		if s.Reasoning != "" {
			fmt.Fprintf(out, "      thought: %s\n", firstLine(s.Reasoning, 100))
		}
		fmt.Fprintf(out, "      → %s\n", firstLine(s.Observation, 100))
		if s.Err != "" {
			fmt.Fprintf(out, "      error: %s\n", s.Err)
		}
	}

	if run.FinalAnswer != "" {
		fmt.Fprintf(out, "\nAnswer:\n%s\n", run.FinalAnswer)
	}
	return nil
}
