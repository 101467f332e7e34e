// Package tool defines the agent's tool palette as a closed set of typed
// calls. A model tool invocation is decoded into exactly one Call variant,
// validated, and dispatched to the file capability by a type switch. There is
// no open registry: a name outside the palette is an error.
package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/llm"
	"github.com/p-blackswan/incept/internal/sandbox"
)

// Kind names one tool in the palette.
type Kind string

const (
	KindReadFile    Kind = "read_file"
	KindWriteFile   Kind = "write_file"
	KindEditFile    Kind = "edit_file"
	KindListFiles   Kind = "list_files"
	KindLogProgress Kind = "log_progress"
)

// Call is a decoded, typed tool invocation. The set of implementations is
// closed to this package.
type Call interface {
	Kind() Kind
	Validate() error
	isCall()
}

type ReadFile struct {
	Path string `json:"path"`
}

type WriteFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type EditFile struct {
	Path      string `json:"path"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

type ListFiles struct {
	Pattern string `json:"pattern"`
}

type LogProgress struct {
	Message string        `json:"message"`
	Level   sandbox.Level `json:"level,omitempty"`
}

func (ReadFile) Kind() Kind    { return KindReadFile }
func (WriteFile) Kind() Kind   { return KindWriteFile }
func (EditFile) Kind() Kind    { return KindEditFile }
func (ListFiles) Kind() Kind   { return KindListFiles }
func (LogProgress) Kind() Kind { return KindLogProgress }

func (ReadFile) isCall()    {}
func (WriteFile) isCall()   {}
func (EditFile) isCall()    {}
func (ListFiles) isCall()   {}
func (LogProgress) isCall() {}

func (c ReadFile) Validate() error { return requirePath(c.Path) }

func (c WriteFile) Validate() error { return requirePath(c.Path) }

func (c EditFile) Validate() error {
	if err := requirePath(c.Path); err != nil {
		return err
	}
	if c.OldString == "" {
		return fmt.Errorf("%w: old_string is required", perrors.ErrInvalidInput)
	}
	return nil
}

func (c ListFiles) Validate() error { return nil }

func (c LogProgress) Validate() error {
	if strings.TrimSpace(c.Message) == "" {
		return fmt.Errorf("%w: message is required", perrors.ErrInvalidInput)
	}
	if c.Level != "" && !c.Level.Valid() {
		return fmt.Errorf("%w: level must be info, success, warning or error", perrors.ErrInvalidInput)
	}
	return nil
}

func requirePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%w: path is required", perrors.ErrInvalidInput)
	}
	return nil
}

// Decode parses a model tool invocation into its typed variant. Unknown tool
// names, unknown fields and failed validation are all errors.
func Decode(name string, input json.RawMessage) (Call, error) {
	var call Call
	var err error
	switch Kind(name) {
	case KindReadFile:
		call, err = decodeInto[ReadFile](input)
	case KindWriteFile:
		call, err = decodeInto[WriteFile](input)
	case KindEditFile:
		call, err = decodeInto[EditFile](input)
	case KindListFiles:
		call, err = decodeInto[ListFiles](input)
	case KindLogProgress:
		call, err = decodeInto[LogProgress](input)
	default:
		return nil, fmt.Errorf("%w: unknown tool %q", perrors.ErrInvalidInput, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := call.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return call, nil
}

func decodeInto[T Call](input json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", perrors.ErrInvalidInput, err)
	}
	return v, nil
}

// Schemas returns the palette in a fixed order for the model request.
func Schemas() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name:        string(KindReadFile),
			Description: "Read the contents of a file. Use this to examine existing code before making changes.",
			InputSchema: MustSchema(object(map[string]any{
				"path": str("Path relative to the project root, e.g. 'app.py' or 'templates/index.html'"),
			}, "path")),
		},
		{
			Name:        string(KindWriteFile),
			Description: "Write a file, replacing its entire content. Use for new files or complete rewrites. Parent directories are created.",
			InputSchema: MustSchema(object(map[string]any{
				"path":    str("Path relative to the project root"),
				"content": str("The complete new content of the file"),
			}, "path", "content")),
		},
		{
			Name:        string(KindEditFile),
			Description: "Replace one exact occurrence of old_string with new_string. old_string must appear exactly once in the file.",
			InputSchema: MustSchema(object(map[string]any{
				"path":       str("Path relative to the project root"),
				"old_string": str("The exact text to replace; must be unique in the file"),
				"new_string": str("The replacement text"),
			}, "path", "old_string", "new_string")),
		},
		{
			Name:        string(KindListFiles),
			Description: "List files and directories matching a glob pattern. '**' matches across directories.",
			InputSchema: MustSchema(object(map[string]any{
				"pattern": str("Glob pattern, e.g. '*.py', 'templates/*.html', '**/*.js'"),
			}, "pattern")),
		},
		{
			Name:        string(KindLogProgress),
			Description: "Record a progress message in the request log. Use it to say what you are doing.",
			InputSchema: MustSchema(object(map[string]any{
				"message": str("Progress message"),
				"level": map[string]any{
					"type": "string",
					"enum": []string{"info", "success", "warning", "error"},
				},
			}, "message")),
		},
	}
}

func object(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// MustSchema builds a json.RawMessage from a Go value (panics on error).
func MustSchema(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("MustSchema: %v", err))
	}
	return b
}
