package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	maintainSubmitOnly bool
	maintainCleanOnly  bool
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Upload ready archives and evict expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if maintainSubmitOnly && maintainCleanOnly {
			return fmt.Errorf("--submit-only and --clean-only are mutually exclusive")
		}
		ctx := cmd.Context()
		p := newPrinter(cmd.OutOrStdout())

		err := CV.Exclusive(func() error {
			switch {
			case maintainSubmitOnly:
				return CV.Engine.SubmitReadyArchives(ctx, CV.Progress(p))
			case maintainCleanOnly:
				return CV.Engine.CleanArchiveCache(ctx)
			default:
				return CV.Engine.RunPeriodicAction(ctx, CV.Progress(p))
			}
		})
		return joinErr(p, err)
	},
}

var checkPendingCmd = &cobra.Command{
	Use:   "check-pending",
	Short: "Reconcile files still marked pending in the ledger with the cold storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		refs, err := CV.Ledger.PendingReferences(ctx)
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no pending files")
			return nil
		}

		p := newPrinter(cmd.OutOrStdout())
		err = CV.Exclusive(func() error {
			return CV.Engine.CheckPendingActions(ctx, refs, CV.Progress(p))
		})
		return joinErr(p, err)
	},
}

func init() {
	maintainCmd.Flags().BoolVar(&maintainSubmitOnly, "submit-only", false, "Only upload ready archives")
	maintainCmd.Flags().BoolVar(&maintainCleanOnly, "clean-only", false, "Only evict the restore cache")
	rootCmd.AddCommand(maintainCmd, checkPendingCmd)
}
