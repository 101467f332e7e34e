package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/incept/internal/mgmt"
	"github.com/p-blackswan/incept/internal/store"
)

var requestCmd = &cobra.Command{
	Use:     "request",
	Aliases: []string{"req"},
	Short:   "Queue and inspect change requests",
}

var requestNoPush bool

var requestSubmitCmd = &cobra.Command{
	Use:   "submit <project> <text...>",
	Short: "Queue a change request",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		push := !requestNoPush
		body := mgmt.CreateRequestBody{Text: strings.Join(args[1:], " "), AutoPush: &push}
		var r store.Request
		if err := newClient().Post(cmd.Context(), "/projects/"+args[0]+"/requests", body, &r); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), r, func() error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "queued request %s\n", r.ID)
			return err
		})
	},
}

var requestStatus string

var requestListCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List a project's requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/projects/" + args[0] + "/requests"
		if requestStatus != "" {
			path += "?status=" + url.QueryEscape(requestStatus)
		}
		var out mgmt.RequestListResponse
		if err := newClient().Get(cmd.Context(), path, &out); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), out, func() error {
			rows := make([][]any, 0, len(out.Requests))
			for _, r := range out.Requests {
				rows = append(rows, []any{r.ShortID(), r.Status, when(r.CreatedAt), orDash(store.ShortID(r.CommitSHA)), truncate(r.Text, 60)})
			}
			return table(cmd.OutOrStdout(), "ID\tSTATUS\tCREATED\tCOMMIT\tTEXT", rows)
		})
	},
}

var requestShowCmd = &cobra.Command{
	Use:   "show <request>",
	Short: "Show a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r store.Request
		if err := newClient().Get(cmd.Context(), "/requests/"+args[0], &r); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), r)
	},
}

var requestLogsCmd = &cobra.Command{
	Use:   "logs <request>",
	Short: "Print a request's progress log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out mgmt.RequestLogsResponse
		if err := newClient().Get(cmd.Context(), "/requests/"+args[0]+"/logs", &out); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), out, func() error {
			w := cmd.OutOrStdout()
			for _, l := range out.Logs {
				fmt.Fprintf(w, "%s  %-7s  %s\n", when(l.CreatedAt), l.Level, l.Message)
			}
			return nil
		})
	},
}

func requestAction(action, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <request>",
		Short: verb + " a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r store.Request
			if err := newClient().Post(cmd.Context(), "/requests/"+args[0]+"/"+action, nil, &r); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), r, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "request %s is %s\n", r.ID, r.Status)
				return err
			})
		},
	}
}

func init() {
	requestSubmitCmd.Flags().BoolVar(&requestNoPush, "no-push", false, "Commit locally without pushing")
	requestListCmd.Flags().StringVar(&requestStatus, "status", "", "Filter by status (pending, processing, completed, error)")

	requestCmd.AddCommand(
		requestSubmitCmd,
		requestListCmd,
		requestShowCmd,
		requestLogsCmd,
		requestAction("cancel", "Cancel a pending"),
		requestAction("resubmit", "Queue a copy of a finished"),
	)
	rootCmd.AddCommand(requestCmd)
}
