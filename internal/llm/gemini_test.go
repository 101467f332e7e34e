package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	perrors "github.com/p-blackswan/incept/internal/errors"
)

type fakeGenerator struct {
	resp     *genai.GenerateContentResponse
	err      error
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	f.config = config
	return f.resp, f.err
}

func TestGeminiComplete_FunctionCalls(t *testing.T) {
	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: string(genai.RoleModel), Parts: []*genai.Part{
				{FunctionCall: &genai.FunctionCall{Name: "read_file", Args: map[string]any{"path": "a.go"}}},
			}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 5, CandidatesTokenCount: 7},
	}}
	p := newGeminiProvider(gen, zerolog.Nop())
	p.retry = fastRetry()

	resp, err := p.Complete(context.Background(), CompletionRequest{
		Model:        "gemini-test",
		SystemPrompt: "sys",
		Messages:     []Message{UserMessage("go")},
		Tools:        []ToolSchema{{Name: "read_file", Description: "read", InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "gemini-test", gen.model)
	require.NotNil(t, gen.config.SystemInstruction)
	require.Len(t, gen.config.Tools, 1)
	assert.Equal(t, "read_file", gen.config.Tools[0].FunctionDeclarations[0].Name)

	assert.Equal(t, StopReasonToolUse, resp.StopReason)
	require.Len(t, resp.ToolUses, 1)
	assert.Equal(t, "call_0", resp.ToolUses[0].ID)
	assert.JSONEq(t, `{"path":"a.go"}`, string(resp.ToolUses[0].Input))
	assert.Equal(t, 5, resp.InputTokens)
	assert.Equal(t, 7, resp.OutputTokens)
}

func TestGeminiComplete_Error(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("boom")}
	p := newGeminiProvider(gen, zerolog.Nop())
	p.retry = fastRetry()
	_, err := p.Complete(context.Background(), CompletionRequest{Messages: []Message{UserMessage("go")}})
	require.Error(t, err)
	assert.Equal(t, perrors.KindModel, perrors.KindOf(err))
}

func TestGeminiComplete_EmptyCandidates(t *testing.T) {
	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{}}
	p := newGeminiProvider(gen, zerolog.Nop())
	_, err := p.Complete(context.Background(), CompletionRequest{Messages: []Message{UserMessage("go")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty response")
}

func TestBuildGeminiContents(t *testing.T) {
	contents := buildGeminiContents([]Message{
		UserMessage("hi"),
		{Role: RoleAssistant, ToolUses: []ToolUse{{ID: "c1", Name: "read_file", Input: json.RawMessage(`{"path":"x"}`)}}},
		ToolResultMessage(ToolResult{ToolUseID: "c1", Name: "read_file", Content: "nope", IsError: true}),
	})
	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "x", contents[1].Parts[0].FunctionCall.Args["path"])
	fr := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "read_file", fr.Name)
	assert.Equal(t, "nope", fr.Response["error"])
}
