package cmd

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04"

// newStatsCmd creates the 'stats' command.
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise stored decks, cards and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.GetStore().Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to compute stats: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Decks:\t%d\n", stats.TotalDecks)
			for _, src := range sortedKeys(stats.DecksBySource) {
				fmt.Fprintf(w, "  %s:\t%d\n", src, stats.DecksBySource[src])
			}
			fmt.Fprintf(w, "Cards:\t%d\n", stats.TotalCards)
			fmt.Fprintf(w, "Normalized:\t%d (%s)\n", stats.NormalizedCards, rateLabel(stats.NormalizationRate))
			fmt.Fprintf(w, "Unmapped names:\t%d\n", stats.UnmappedNames)
			fmt.Fprintf(w, "Pending queue:\t%d\n", stats.PendingQueue)
			return w.Flush()
		},
	}
}

// newRunsCmd creates the 'runs' command.
func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent job runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := a.GetStore().ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "STARTED\tOPERATION\tSOURCE\tOUTCOME\tPROCESSED\tFAILED\tCARDS\tDURATION")
			fmt.Fprintln(w, "-------\t---------\t------\t-------\t---------\t------\t-----\t--------")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					r.StartedAt.UTC().Format(timeLayout),
					r.Operation,
					r.Source,
					r.Outcome,
					r.ItemsProcessed,
					r.ItemsFailed,
					r.CardsProcessed,
					r.Duration.Round(time.Second),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}

// newUnmappedCmd creates the 'unmapped' command.
func newUnmappedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "unmapped",
		Short: "List the most frequent card names the resolver could not match",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			names, err := a.GetStore().TopUnmapped(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list unmapped names: %w", err)
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Every card name is mapped.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "NAME\tFREQUENCY\tFIRST SEEN\tLAST SEEN")
			for _, n := range names {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					n.Name,
					n.Frequency,
					n.FirstSeen.UTC().Format(timeLayout),
					n.LastSeen.UTC().Format(timeLayout),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of names to show")
	return cmd
}

// newDiscrepanciesCmd creates the 'discrepancies' command.
func newDiscrepanciesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "discrepancies",
		Short: "List resolved identifiers that a newer dump no longer contains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			found, err := a.GetStore().Discrepancies(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list discrepancies: %w", err)
			}
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No discrepancies.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "DECK\tCARD\tPREVIOUS ID\tDUMP\tDETECTED")
			for _, d := range found {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					d.DeckID,
					d.CardName,
					d.PreviousID,
					d.DumpVersion,
					d.DetectedAt.UTC().Format(timeLayout),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of discrepancies to show")
	return cmd
}

// newDeckCmd creates the 'deck' command.
func newDeckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deck <source> <external-id>",
		Short: "Show one stored deck with its cards",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := a.GetStore().GetDeck(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to load deck %s/%s: %w", args[0], args[1], err)
			}

			out := cmd.OutOrStdout()
			d := detail.Deck
			fmt.Fprintf(out, "%s %s\n", color.New(color.Bold).Sprint(d.Title), color.New(color.FgCyan).Sprintf("[%s/%s]", d.Source, d.ExternalID))
			if d.Author != "" {
				fmt.Fprintf(out, "  Author: %s\n", d.Author)
			}
			if d.Format != "" {
				fmt.Fprintf(out, "  Format: %s\n", d.Format)
			}
			if d.URL != "" {
				fmt.Fprintf(out, "  URL: %s\n", d.URL)
			}
			fmt.Fprintf(out, "  Fingerprint: %s\n", d.Fingerprint)
			if len(detail.Commanders) > 0 {
				names := make([]string, 0, len(detail.Commanders))
				for _, c := range detail.Commanders {
					names = append(names, c.Name)
				}
				fmt.Fprintf(out, "  Commanders: %s\n", strings.Join(names, ", "))
			}
			fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "QTY\tZONE\tNAME\tORACLE ID")
			for _, c := range detail.Cards {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.Quantity, c.Zone, c.Name, oracleLabel(c.OracleID))
			}
			return w.Flush()
		},
	}
}

func oracleLabel(id *string) string {
	if id == nil {
		return color.New(color.FgYellow).Sprint("unmapped")
	}
	return *id
}

func rateLabel(rate float64) string {
	label := fmt.Sprintf("%.1f%%", rate)
	switch {
	case rate >= 95:
		return color.New(color.FgGreen).Sprint(label)
	case rate >= 80:
		return color.New(color.FgYellow).Sprint(label)
	default:
		return color.New(color.FgRed).Sprint(label)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
