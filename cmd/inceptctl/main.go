// Command inceptctl is a command-line client for the incept management API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	apiKey     string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "inceptctl",
	Short:         "Drive the incept change pipeline from the command line",
	Long:          `inceptctl talks to the incept management API: register projects, queue change requests, review suggestions, roll improvements back and steer auto-mode sessions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("INCEPT_URL", "http://localhost:8090"), "Management API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("INCEPT_API_KEY"), "Bearer API key")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() *Client {
	return NewClient(serverURL, apiKey)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
