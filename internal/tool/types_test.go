package tool

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/sandbox"
)

func TestDecode_Variants(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Call
	}{
		{"read_file", `{"path":"a.go"}`, ReadFile{Path: "a.go"}},
		{"write_file", `{"path":"b.go","content":"x"}`, WriteFile{Path: "b.go", Content: "x"}},
		{"edit_file", `{"path":"c.go","old_string":"a","new_string":""}`, EditFile{Path: "c.go", OldString: "a"}},
		{"list_files", `{"pattern":"**/*.go"}`, ListFiles{Pattern: "**/*.go"}},
		{"list_files", ``, ListFiles{}},
		{"log_progress", `{"message":"hi","level":"warning"}`, LogProgress{Message: "hi", Level: sandbox.LevelWarning}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := Decode(tt.name, json.RawMessage(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, call)
			assert.Equal(t, Kind(tt.name), call.Kind())
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input string
	}{
		{"unknown tool", "exec", `{"command":"rm -rf /"}`},
		{"unknown field", "read_file", `{"path":"a","mode":"rw"}`},
		{"missing path", "write_file", `{"content":"x"}`},
		{"empty old_string", "edit_file", `{"path":"a","old_string":"","new_string":"b"}`},
		{"bad level", "log_progress", `{"message":"x","level":"loud"}`},
		{"empty message", "log_progress", `{"message":" "}`},
		{"wrong type", "read_file", `{"path":42}`},
		{"not json", "read_file", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.tool, json.RawMessage(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, perrors.ErrInvalidInput)
		})
	}
}

func TestSchemas_FixedPalette(t *testing.T) {
	schemas := Schemas()
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		names = append(names, s.Name)
		var parsed map[string]any
		require.NoError(t, json.Unmarshal(s.InputSchema, &parsed), s.Name)
		assert.Equal(t, "object", parsed["type"])
	}
	assert.Equal(t, []string{"read_file", "write_file", "edit_file", "list_files", "log_progress"}, names)
}

func TestMustSchema_Panics(t *testing.T) {
	assert.Panics(t, func() { MustSchema(make(chan int)) })
}
