package tool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/p-blackswan/incept/internal/sandbox"
)

// Files is the capability a Call is executed against. *sandbox.Sandbox implements it.
type Files interface {
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	EditFile(path, oldText, newText string) error
	ListFiles(pattern string) ([]string, error)
	LogProgress(level sandbox.Level, message string) error
}

// Outcome is what a successful call produced. Changed is the path a write or
// edit touched, empty for read-only calls.
type Outcome struct {
	Output  string
	Changed string
}

// Executor dispatches calls to a Files capability.
type Executor struct {
	files Files
}

func NewExecutor(files Files) *Executor {
	return &Executor{files: files}
}

// Execute runs call. Errors are returned as-is so the caller can hand them
// back to the model.
func (e *Executor) Execute(call Call) (Outcome, error) {
	switch c := call.(type) {
	case ReadFile:
		content, err := e.files.ReadFile(c.Path)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Output: fmt.Sprintf("Contents of %s:\n%s", c.Path, content)}, nil

	case WriteFile:
		if err := e.files.WriteFile(c.Path, c.Content); err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Output:  fmt.Sprintf("Wrote %d characters to %s", len(c.Content), c.Path),
			Changed: changedPath(c.Path),
		}, nil

	case EditFile:
		if err := e.files.EditFile(c.Path, c.OldString, c.NewString); err != nil {
			return Outcome{}, err
		}
		return Outcome{Output: fmt.Sprintf("Edited %s", c.Path), Changed: changedPath(c.Path)}, nil

	case ListFiles:
		files, err := e.files.ListFiles(c.Pattern)
		if err != nil {
			return Outcome{}, err
		}
		if len(files) == 0 {
			return Outcome{Output: fmt.Sprintf("No files found matching '%s'", c.Pattern)}, nil
		}
		return Outcome{Output: fmt.Sprintf("Files matching '%s':\n%s", c.Pattern, strings.Join(files, "\n"))}, nil

	case LogProgress:
		if err := e.files.LogProgress(c.Level, c.Message); err != nil {
			return Outcome{}, err
		}
		return Outcome{Output: "Logged"}, nil

	default:
		return Outcome{}, fmt.Errorf("unsupported tool call %T", call)
	}
}

// changedPath reports p the same way however the model spelled it.
func changedPath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}
