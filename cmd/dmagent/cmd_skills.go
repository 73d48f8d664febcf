package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/martinemde/dmagent/skills"
)

var skillsTask string

// skillsCmd lists the available skill bundles
var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "List expert skill bundles",
	Long: `Lists the built-in and custom skill bundles. With --task, bundles are
ranked by how well their keywords and patterns match the task, and the ones
that would be activated are marked.`,
	Args: cobra.NoArgs,
	RunE: listSkills,
}

func init() {
	skillsCmd.Flags().StringVarP(&skillsTask, "task", "t", "", "Rank bundles against a task")
}

func listSkills(cmd *cobra.Command, args []string) error {
	library, err := buildLibrary(cfg, logger)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if library == nil || library.Len() == 0 {
		fmt.Fprintln(out, "No skill bundles available.")
		return nil
	}

	if skillsTask == "" {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPRIORITY\tCAPABILITIES\tDESCRIPTION")
		for _, info := range library.Info(nil) {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", info.Name, info.Priority, info.CapabilityCount, info.Description)
		}
		return w.Flush()
	}

	selCfg := cfg.Selector(nil)
	selCfg.LLMFallback = false
	selector := skills.NewSelector(selCfg, skills.WithSelectorLogger(logger))
	selected := selector.Select(commandContext(cmd), skillsTask, library.All())
	chosen := make(map[string]bool, len(selected))
	for _, name := range selected {
		chosen[name] = true
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tNAME\tSCORE")
	for _, s := range selector.Rank(skillsTask, library.All()) {
		mark := ""
		if chosen[s.Name] {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\n", mark, s.Name, s.Score)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(selected) == 0 {
		fmt.Fprintln(out, "\nNo bundle clears the minimum score.")
	} else {
		fmt.Fprintf(out, "\nWould activate: %s\n", strings.Join(selected, ", "))
	}
	return nil
}
