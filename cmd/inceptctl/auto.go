package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/incept/internal/mgmt"
	"github.com/p-blackswan/incept/internal/store"
)

var autoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Run and steer auto-mode sessions",
}

var autoStart mgmt.StartAutoSessionBody

var autoStartCmd = &cobra.Command{
	Use:   "start <project>",
	Short: "Start an auto-mode session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var s store.AutoSession
		if err := newClient().Post(cmd.Context(), "/projects/"+args[0]+"/auto-sessions", autoStart, &s); err != nil {
			return err
		}
		return printSession(cmd, &s)
	},
}

var autoShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show an auto-mode session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var s store.AutoSession
		if err := newClient().Get(cmd.Context(), "/auto-sessions/"+args[0], &s); err != nil {
			return err
		}
		return printSession(cmd, &s)
	},
}

var pauseNote string

var autoPauseCmd = &cobra.Command{
	Use:   "pause <session>",
	Short: "Pause an auto-mode session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var s store.AutoSession
		err := newClient().Post(cmd.Context(), "/auto-sessions/"+args[0]+"/pause", mgmt.PauseAutoSessionBody{Note: pauseNote}, &s)
		if err != nil {
			return err
		}
		return printSession(cmd, &s)
	},
}

var autoResumeCmd = &cobra.Command{
	Use:   "resume <session>",
	Short: "Resume a paused auto-mode session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var s store.AutoSession
		if err := newClient().Post(cmd.Context(), "/auto-sessions/"+args[0]+"/resume", nil, &s); err != nil {
			return err
		}
		return printSession(cmd, &s)
	},
}

func printSession(cmd *cobra.Command, s *store.AutoSession) error {
	return render(cmd.OutOrStdout(), s, func() error {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "session %s  %s  submitted %d/%d  generated %d\n",
			s.ID, s.Status, s.Submitted, s.MaxSuggestions, s.Generated)
		if s.Note != "" {
			fmt.Fprintf(w, "note: %s\n", s.Note)
		}
		return nil
	})
}

func init() {
	autoStartCmd.Flags().StringVar(&autoStart.Direction, "direction", "", "Steer the session toward a goal")
	autoStartCmd.Flags().IntVar(&autoStart.MaxSuggestions, "max", 5, "Maximum requests the session may submit")
	autoPauseCmd.Flags().StringVar(&pauseNote, "note", "", "Why the session is paused")

	autoCmd.AddCommand(autoStartCmd, autoShowCmd, autoPauseCmd, autoResumeCmd)
	rootCmd.AddCommand(autoCmd)
}
