package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/incept/internal/mgmt"
	"github.com/p-blackswan/incept/internal/store"
)

var suggestionCmd = &cobra.Command{
	Use:     "suggestion",
	Aliases: []string{"suggestions", "sg"},
	Short:   "Generate and review suggestions",
}

var generateBody mgmt.GenerateSuggestionsBody

var suggestionGenerateCmd = &cobra.Command{
	Use:   "generate <project>",
	Short: "Ask the model for improvement suggestions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out mgmt.SuggestionListResponse
		if err := newClient().Post(cmd.Context(), "/projects/"+args[0]+"/suggestions/generate", generateBody, &out); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), out, func() error { return suggestionTable(cmd, out.Suggestions) })
	},
}

var suggestionStatus string

var suggestionListCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List a project's suggestions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/projects/" + args[0] + "/suggestions"
		if suggestionStatus != "" {
			path += "?status=" + url.QueryEscape(suggestionStatus)
		}
		var out mgmt.SuggestionListResponse
		if err := newClient().Get(cmd.Context(), path, &out); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), out, func() error { return suggestionTable(cmd, out.Suggestions) })
	},
}

func suggestionTable(cmd *cobra.Command, sgs []*store.Suggestion) error {
	rows := make([][]any, 0, len(sgs))
	for _, sg := range sgs {
		rows = append(rows, []any{sg.ID, sg.Status, sg.Priority, sg.Category, sg.Effort, truncate(sg.Title, 50)})
	}
	return table(cmd.OutOrStdout(), "ID\tSTATUS\tPRI\tCATEGORY\tEFFORT\tTITLE", rows)
}

func suggestionTransition(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <suggestion>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sg store.Suggestion
			if err := newClient().Post(cmd.Context(), "/suggestions/"+args[0]+"/"+action, nil, &sg); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), sg, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "suggestion %s is %s\n", sg.ID, sg.Status)
				return err
			})
		},
	}
}

var implementNoPush bool

var suggestionImplementCmd = &cobra.Command{
	Use:   "implement <suggestion>",
	Short: "Queue a request for an approved suggestion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		push := !implementNoPush
		var r store.Request
		err := newClient().Post(cmd.Context(), "/suggestions/"+args[0]+"/implement",
			mgmt.ImplementSuggestionBody{AutoPush: &push}, &r)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), r, func() error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "queued request %s\n", r.ID)
			return err
		})
	},
}

func init() {
	suggestionGenerateCmd.Flags().StringVar(&generateBody.Direction, "direction", "", "Steer suggestions toward a goal")
	suggestionGenerateCmd.Flags().IntVarP(&generateBody.Count, "count", "n", 3, "How many suggestions to ask for (max 10)")
	suggestionListCmd.Flags().StringVar(&suggestionStatus, "status", "", "Filter by status")
	suggestionImplementCmd.Flags().BoolVar(&implementNoPush, "no-push", false, "Commit locally without pushing")

	suggestionCmd.AddCommand(
		suggestionGenerateCmd,
		suggestionListCmd,
		suggestionTransition("approve", "Approve a suggestion"),
		suggestionTransition("reject", "Reject a suggestion"),
		suggestionImplementCmd,
	)
	rootCmd.AddCommand(suggestionCmd)
}
