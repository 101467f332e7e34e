package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/incept/internal/mgmt"
	"github.com/p-blackswan/incept/internal/store"
)

var projectCmd = &cobra.Command{
	Use:     "project",
	Aliases: []string{"projects"},
	Short:   "Manage projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out mgmt.ProjectListResponse
		if err := newClient().Get(cmd.Context(), "/projects", &out); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), out, func() error {
			rows := make([][]any, 0, len(out.Projects))
			for _, p := range out.Projects {
				loc := p.RepoURL
				if loc == "" {
					loc = p.LocalPath
				}
				rows = append(rows, []any{p.Slug, p.Status, p.Branch, orDash(p.Model), loc})
			}
			return table(cmd.OutOrStdout(), "SLUG\tSTATUS\tBRANCH\tMODEL\tLOCATION", rows)
		})
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <project>",
	Short: "Show a project by id or slug",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p store.Project
		if err := newClient().Get(cmd.Context(), "/projects/"+args[0], &p); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), p)
	},
}

var projectCreate store.CreateProjectInput

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := projectCreate
		in.Name = args[0]
		var p store.Project
		if err := newClient().Post(cmd.Context(), "/projects", in, &p); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), p, func() error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "created project %s (%s)\n", p.Slug, p.ID)
			return err
		})
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	f := projectCreateCmd.Flags()
	f.StringVar(&projectCreate.RepoURL, "repo", "", "Remote repository URL")
	f.StringVar(&projectCreate.Branch, "branch", "", "Branch to work on (default main)")
	f.StringVar(&projectCreate.LocalPath, "path", "", "Existing local working tree")
	f.StringVar(&projectCreate.Token, "token", "", "Push token for the remote")
	f.StringVar(&projectCreate.Model, "model", "", "Model override for this project")
	f.StringVar(&projectCreate.Description, "description", "", "Short description used for suggestions")

	projectCmd.AddCommand(projectListCmd, projectShowCmd, projectCreateCmd)
	rootCmd.AddCommand(projectCmd)
}
