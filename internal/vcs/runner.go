package vcs

import (
	"context"
	"os"
	"os/exec"
)

// Runner executes git. Tests substitute a fake to script outputs.
type Runner interface {
	// Run executes name with args in dir and returns the combined output.
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner is the production Runner using os/exec.
type ExecRunner struct{}

// Run executes the command with prompts disabled so a missing credential
// fails fast instead of blocking on a terminal.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=",
		"LC_ALL=C",
	)
	return cmd.CombinedOutput()
}
