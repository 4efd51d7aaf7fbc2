package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var compactMaxAge time.Duration

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and reconcile dishes saved before their model upload finished",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending uploads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := getApp(ctx)
		if err != nil {
			return err
		}
		entries, err := a.Ledger.List(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No pending uploads.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DISH\tSESSION\tAGE\tMODEL")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.DishID, e.SessionID, time.Since(e.CreatedAt).Round(time.Second), e.LocalPath)
		}
		return w.Flush()
	},
}

var ledgerReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Upload pending models and patch their dishes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := getApp(ctx)
		if err != nil {
			return err
		}
		report, err := a.Pipeline.Reconcile(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Checked:    %d\n", report.Checked)
		fmt.Printf("Reconciled: %d\n", report.Reconciled)
		fmt.Printf("Failed:     %d\n", report.Failed)
		if report.Dropped > 0 {
			fmt.Printf("Dropped:    %d\n", report.Dropped)
		}
		for _, e := range report.Errors {
			fmt.Printf("  • %s\n", e)
		}
		if report.Failed > 0 {
			return fmt.Errorf("%d pending uploads could not be reconciled", report.Failed)
		}
		return nil
	},
}

var ledgerCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Drop entries whose model file is gone or that are older than --max-age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := getApp(ctx)
		if err != nil {
			return err
		}
		maxAge := compactMaxAge
		if !cmd.Flags().Changed("max-age") {
			maxAge = cfg.LedgerRetention
		}

		dropped, err := a.Ledger.Compact(ctx, maxAge)
		if err != nil {
			return err
		}
		for _, r := range dropped {
			fmt.Printf("Dropped %s (%s)\n", r.DishID, r.LocalPath)
		}
		fmt.Printf("%d entries dropped\n", len(dropped))
		return nil
	},
}

func init() {
	ledgerCompactCmd.Flags().DurationVar(&compactMaxAge, "max-age", 0, "drop entries older than this (default: configured retention, 0 keeps all)")

	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerReconcileCmd)
	ledgerCmd.AddCommand(ledgerCompactCmd)
}
