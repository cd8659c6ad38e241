package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"evoopt/internal/optimization"
	"evoopt/internal/optimization/registry"
	"evoopt/internal/store"
)

func newRunsCmd(a *app) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded optimization runs",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(a)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list (-1 for all)")

	var jsonOut bool
	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its per-round history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(a)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), run)
			}
			return printRunDetail(cmd.OutOrStdout(), run)
		},
	}
	showCmd.Flags().BoolVar(&jsonOut, "json", false, "Print the run as JSON")

	runsCmd.AddCommand(listCmd, showCmd)
	return runsCmd
}

func openStore(a *app) (*store.RunStore, error) {
	if a.cfg.Store.Path == "" {
		return nil, fmt.Errorf("run history is disabled: set store.path in the config")
	}
	return store.NewRunStore(a.cfg.Store.Path)
}

func newComponentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "components",
		Short: "List the registered component names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := registry.NewDefault().Names()
			out := cmd.OutOrStdout()
			for _, kind := range []string{registry.KindGenerator, registry.KindEvaluator, registry.KindSelector, registry.KindController} {
				fmt.Fprintf(out, "%s: %s\n", kind, strings.Join(names[kind], ", "))
			}
			return nil
		},
	}
}

// printResult writes a run summary, or the whole result with asJSON.
func printResult(w io.Writer, res *optimization.Result, asJSON bool) error {
	if asJSON {
		return writeJSON(w, res)
	}
	m := res.Metrics
	fmt.Fprintf(w, "run: %s\n", res.RunID)
	fmt.Fprintf(w, "stop reason: %s\n", m.StopReason)
	fmt.Fprintf(w, "rounds: %d  candidates: %d  failures: %d  rejected: %d\n",
		m.TotalRounds, m.TotalCandidates, m.Failures, m.Rejected)
	fmt.Fprintf(w, "tokens: %d  cost: $%.4f  elapsed: %s\n",
		m.TotalCostTokens, m.TotalCostUSD, m.Elapsed.Round(time.Millisecond))
	if res.BestCandidate == nil {
		fmt.Fprintln(w, "no candidate was scored")
		return nil
	}
	fmt.Fprintf(w, "best score: %.3f (improvement %+.3f)\n", res.BestScore, m.ScoreImprovement)
	fmt.Fprintf(w, "best candidate:\n%s\n", res.BestCandidate.Content)
	return nil
}

func printRuns(w io.Writer, runs []store.RunRecord) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tCASE\tSTARTED\tBEST\tSTOP")
	for _, r := range runs {
		best, stop := "-", "running"
		if r.Finished() {
			best = fmt.Sprintf("%.3f", r.BestScore)
			stop = r.StopReason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, valueOr(r.CaseID, "-"), r.StartedAt.Local().Format(time.DateTime), best, stop)
	}
	return tw.Flush()
}

func printRunDetail(w io.Writer, run *store.RunDetail) error {
	fmt.Fprintf(w, "run: %s\n", run.ID)
	fmt.Fprintf(w, "case: %s\n", valueOr(run.CaseID, "-"))
	fmt.Fprintf(w, "started: %s\n", run.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "components: %s / %s / %s / %s\n",
		run.Components.Generator, run.Components.Evaluator, run.Components.Selector, run.Components.Controller)
	if run.Finished() {
		fmt.Fprintf(w, "stop reason: %s\n", run.StopReason)
		fmt.Fprintf(w, "best score: %.3f\n", run.BestScore)
	} else {
		fmt.Fprintln(w, "status: running or interrupted")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUND\tPOP\tKEPT\tBEST\tAVG\tTOKENS\tFAIL\tREJ")
	for _, r := range run.Rounds {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%.3f\t%.3f\t%d\t%d\t%d\n",
			r.Round, r.PopulationSize, len(r.SelectedIDs), r.BestScore, r.AvgScore, r.CostTokens, r.Failures, r.Rejected)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if run.BestContent != "" {
		fmt.Fprintf(w, "best candidate:\n%s\n", run.BestContent)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
