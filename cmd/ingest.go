package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

// errRunFailed marks a run whose outcome was failed; its summary has already been
// printed.
var errRunFailed = errors.New("run failed")

// newIngestCmd creates the 'ingest' command group.
func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Pull decks from a source",
		Long: `Run one ingestion job against a source. Sources with a paged public
listing support 'bulk'; sources without one are harvested in two steps,
'discover' to queue deck ids and 'export' to fetch them.`,
	}
	cmd.AddCommand(newJobCmd("bulk <source>", "Walk a source's public deck listing", harvest.OperationBulk))
	cmd.AddCommand(newJobCmd("discover <source>", "Queue deck ids found on a source", harvest.OperationDiscovery))
	cmd.AddCommand(newJobCmd("export <source>", "Fetch queued decks from a source", harvest.OperationExport))
	return cmd
}

func newJobCmd(use, short string, op harvest.Operation) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, op, args[0])
		},
	}
}

// newNormalizeCmd creates the 'normalize' command.
func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize",
		Short: "Resolve unmapped card names against the canonical dump",
		Long: `Refresh the canonical card dump if it is stale, assign identifiers to
every card row still missing one and recompute the fingerprints of the decks
that changed. Identifiers that vanished from a newer dump are reported as
discrepancies, never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJob(cmd, harvest.OperationNormalization, "")
		},
	}
}

func runJob(cmd *cobra.Command, op harvest.Operation, source string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	rec, runErr := a.Run(cmd.Context(), op, source)
	if rec.ID == "" {
		if runErr == nil {
			runErr = errors.New("job produced no run record")
		}
		return fmt.Errorf("%s %s: %w", op, source, runErr)
	}
	printRun(cmd.OutOrStdout(), rec, runErr)
	if rec.Outcome == harvest.OutcomeFailed {
		return errRunFailed
	}
	return nil
}

func printRun(w io.Writer, rec harvest.RunRecord, runErr error) {
	target := rec.Source
	if target == "" {
		target = "-"
	}
	fmt.Fprintf(w, "%s %s %s (run %s)\n", outcomeLabel(rec.Outcome), rec.Operation, target, rec.ID)
	fmt.Fprintf(w, "  Processed: %d\n", rec.ItemsProcessed)
	fmt.Fprintf(w, "  Failed:    %d\n", rec.ItemsFailed)
	fmt.Fprintf(w, "  Cards:     %d\n", rec.CardsProcessed)
	if rec.RateLimitHits > 0 {
		fmt.Fprintf(w, "  Rate limited: %s\n", color.New(color.FgYellow).Sprint(rec.RateLimitHits))
	}
	fmt.Fprintf(w, "  Duration:  %s\n", rec.Duration.Round(time.Millisecond))
	if rec.Message != "" {
		fmt.Fprintf(w, "  %s\n", rec.Message)
	}
	if runErr != nil {
		fmt.Fprintf(w, "  %s %v\n", color.New(color.FgRed).Sprint("error:"), runErr)
	}
}

func outcomeLabel(o harvest.Outcome) string {
	switch o {
	case harvest.OutcomeSuccess:
		return color.New(color.FgGreen).Sprint("✓ success")
	case harvest.OutcomePartial:
		return color.New(color.FgYellow).Sprint("! partial")
	default:
		return color.New(color.FgRed).Sprint("✗ failed")
	}
}
