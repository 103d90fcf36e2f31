package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/antigravity-dev/depgate/internal/graph"
)

func printPlan(out io.Writer, plan *graph.Plan) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTEST\tGROUPS\tDEPENDS ON")
	for i, item := range plan.Items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, item.ID, listOrDash(item.Groups), listOrDash(plan.Graph.DependsOnIDs(item.ID)))
	}
	return tw.Flush()
}

func printSummary(out io.Writer, runID string, tally graph.Tally, outcomes []graph.OutcomeRecord) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TEST\tSTATUS\tEXIT\tDURATION\tBLOCKED BY")
	for _, rec := range outcomes {
		exit := "-"
		if rec.Status != graph.StatusBlocked {
			exit = fmt.Sprint(rec.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ItemID, rec.Status, exit, rec.Duration.Round(time.Millisecond), listOrDash(rec.Blocking))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(out, "\nrun %s: %d passed, %d failed, %d blocked, %d skipped, %d not run\n",
		runID,
		tally.Counts[graph.StatusPassed],
		len(tally.Failed),
		len(tally.Blocked),
		len(tally.Skipped),
		len(tally.NotRun),
	)
	return err
}

func listOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}
