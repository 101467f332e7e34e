package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/incept/internal/mgmt"
	"github.com/p-blackswan/incept/internal/store"
)

var improvementCmd = &cobra.Command{
	Use:     "improvement",
	Aliases: []string{"improvements", "imp"},
	Short:   "Inspect and roll back applied improvements",
}

var improvementListCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List a project's improvements",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out mgmt.ImprovementListResponse
		if err := newClient().Get(cmd.Context(), "/projects/"+args[0]+"/improvements", &out); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), out, func() error {
			rows := make([][]any, 0, len(out.Improvements))
			for _, imp := range out.Improvements {
				state := "enabled"
				if !imp.Enabled {
					state = "disabled"
				}
				rows = append(rows, []any{imp.ID, state, store.ShortID(imp.CommitSHA), imp.FeatureFlag, truncate(imp.Title, 40)})
			}
			return table(cmd.OutOrStdout(), "ID\tSTATE\tCOMMIT\tFLAG\tTITLE", rows)
		})
	},
}

var improvementSummaryCmd = &cobra.Command{
	Use:   "summary <project>",
	Short: "Summarize a project's improvements",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sum store.ImprovementSummary
		if err := newClient().Get(cmd.Context(), "/projects/"+args[0]+"/improvements/summary", &sum); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), sum, func() error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "total %d  enabled %d  disabled %d  with commit %d\n",
				sum.Total, sum.Enabled, sum.Disabled, sum.WithCommit)
			return err
		})
	},
}

var improvementRollbackCmd = &cobra.Command{
	Use:   "rollback <improvement>",
	Short: "Revert an improvement's commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res mgmt.RollbackResponse
		if err := newClient().Post(cmd.Context(), "/improvements/"+args[0]+"/rollback", nil, &res); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), res, func() error {
			w := cmd.OutOrStdout()
			switch {
			case res.Noop:
				fmt.Fprintln(w, "already rolled back")
			default:
				fmt.Fprintf(w, "reverted as %s\n", res.RevertSHA)
			}
			return nil
		})
	},
}

func init() {
	improvementCmd.AddCommand(improvementListCmd, improvementSummaryCmd, improvementRollbackCmd)
	rootCmd.AddCommand(improvementCmd)
}
