package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/llm"
	"github.com/p-blackswan/incept/internal/prompts"
	"github.com/p-blackswan/incept/internal/sandbox"
)

// scriptedProvider replays canned responses and records each request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.CompletionResponse
	err       error
	requests  []llm.CompletionRequest
	block     bool
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.responses) == 0 {
		return &llm.CompletionResponse{Text: "done", StopReason: llm.StopReasonEndTurn}, nil
	}
	r := p.responses[0]
	p.responses = p.responses[1:]
	return r, nil
}

func (p *scriptedProvider) Name() string    { return "scripted" }
func (p *scriptedProvider) ModelID() string { return "scripted-1" }

func toolTurn(uses ...llm.ToolUse) *llm.CompletionResponse {
	return &llm.CompletionResponse{StopReason: llm.StopReasonToolUse, ToolUses: uses}
}

func use(id, name, input string) llm.ToolUse {
	return llm.ToolUse{ID: id, Name: name, Input: json.RawMessage(input)}
}

func snapshot(maxTurns int) prompts.Snapshot {
	s := prompts.Defaults()
	s.Version = 3
	s.MaxTurns = maxTurns
	return s
}

func newSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	sb, err := sandbox.New(t.TempDir(), nil)
	require.NoError(t, err)
	return sb
}

func TestRun_WritesFileAndFinishes(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolTurn(use("1", "write_file", `{"path":"health.go","content":"package main"}`)),
		{Text: "Added a health-check endpoint.", StopReason: llm.StopReasonEndTurn, InputTokens: 10, OutputTokens: 5},
	}}
	sb := newSandbox(t)
	var events []ToolEvent
	d := NewDriver(p, zerolog.Nop())

	res, err := d.Run(context.Background(), Request{
		RequestID:   "r1",
		Instruction: "Add a health-check endpoint",
		Model:       "claude-x",
		Observer:    func(e ToolEvent) { events = append(events, e) },
	}, snapshot(10), sb)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, []string{"health.go"}, res.ChangedFiles)
	assert.Equal(t, "Added a health-check endpoint.", res.FinalText)
	assert.Equal(t, uint64(3), res.PromptVersion)
	assert.Contains(t, res.Summary(), "- health.go")

	_, err = os.Stat(filepath.Join(sb.Root(), "health.go"))
	assert.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, "write_file", events[0].Tool)
	assert.Equal(t, "health.go", events[0].Changed)

	require.Len(t, p.requests, 2)
	assert.Equal(t, "claude-x", p.requests[0].Model)
	assert.Len(t, p.requests[0].Tools, 5)
	// second request replays the assistant turn and the tool result
	require.Len(t, p.requests[1].Messages, 3)
	assert.Equal(t, llm.RoleAssistant, p.requests[1].Messages[1].Role)
	assert.False(t, p.requests[1].Messages[2].ToolResults[0].IsError)
}

func TestRun_ToolErrorsAreFedBack(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolTurn(
			use("1", "write_file", `{"path":"../escape.txt","content":"x"}`),
			use("2", "edit_file", `{"path":"missing.go","old_string":"a","new_string":"b"}`),
			use("3", "shell", `{"cmd":"ls"}`),
		),
		{Text: "Could not complete.", StopReason: llm.StopReasonEndTurn},
	}}
	d := NewDriver(p, zerolog.Nop())
	res, err := d.Run(context.Background(), Request{Instruction: "x"}, snapshot(10), newSandbox(t))
	require.NoError(t, err)
	assert.Empty(t, res.ChangedFiles)

	results := p.requests[1].Messages[2].ToolResults
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.IsError)
	}
	assert.Contains(t, results[0].Content, "path escapes working tree")
	assert.Contains(t, results[1].Content, "file not found")
	assert.Contains(t, results[2].Content, "unknown tool")
}

func TestRun_TurnBudgetKeepsPartialEdits(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolTurn(use("1", "write_file", `{"path":"a.txt","content":"a"}`)),
		toolTurn(use("2", "write_file", `{"path":"b.txt","content":"b"}`)),
		toolTurn(use("3", "read_file", `{"path":"a.txt"}`)),
	}}
	sb := newSandbox(t)
	d := NewDriver(p, zerolog.Nop())
	res, err := d.Run(context.Background(), Request{Instruction: "x"}, snapshot(2), sb)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrBudgetExceeded)
	assert.Equal(t, perrors.KindBudget, perrors.KindOf(err))

	require.NotNil(t, res)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, []string{"a.txt", "b.txt"}, res.ChangedFiles)
	for _, f := range []string{"a.txt", "b.txt"} {
		_, statErr := os.Stat(filepath.Join(sb.Root(), f))
		assert.NoError(t, statErr)
	}
}

func TestRun_DurationBudget(t *testing.T) {
	p := &scriptedProvider{block: true}
	snap := snapshot(10)
	snap.MaxDuration = 30 * time.Millisecond
	d := NewDriver(p, zerolog.Nop())

	res, err := d.Run(context.Background(), Request{Instruction: "x"}, snap, newSandbox(t))
	require.Error(t, err)
	var be *perrors.BudgetError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "duration", be.Limit)
	assert.NotNil(t, res)
}

func TestRun_ModelFailure(t *testing.T) {
	p := &scriptedProvider{err: errors.New("connection reset")}
	d := NewDriver(p, zerolog.Nop())
	res, err := d.Run(context.Background(), Request{Instruction: "x"}, snapshot(10), newSandbox(t))
	require.Error(t, err)
	assert.Equal(t, perrors.KindModel, perrors.KindOf(err))
	assert.Equal(t, 1, res.Turns)
	assert.Empty(t, res.ChangedFiles)
}

func TestRun_CallerCancel(t *testing.T) {
	p := &scriptedProvider{block: true}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDriver(p, zerolog.Nop())
	_, err := d.Run(ctx, Request{Instruction: "x"}, snapshot(10), newSandbox(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_DedupesChangedFiles(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolTurn(
			use("1", "write_file", `{"path":"a.txt","content":"one"}`),
			use("2", "edit_file", `{"path":"a.txt","old_string":"one","new_string":"two"}`),
			use("3", "edit_file", `{"path":"./docs/../a.txt","old_string":"two","new_string":"three"}`),
		),
	}}
	d := NewDriver(p, zerolog.Nop())
	res, err := d.Run(context.Background(), Request{Instruction: "x"}, snapshot(5), newSandbox(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, res.ChangedFiles)
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt(Request{ProjectName: "shop", Instruction: "  Add caching ", PriorContext: "[info] tried redis"})
	assert.Contains(t, got, "Project: shop")
	assert.Contains(t, got, "previous attempt")
	assert.Contains(t, got, "[info] tried redis")
	assert.Contains(t, got, "Request:\nAdd caching\n")

	plain := BuildPrompt(Request{Instruction: "x"})
	assert.NotContains(t, plain, "previous attempt")
	assert.NotContains(t, plain, "Project:")
}

func TestResultSummary_NoChanges(t *testing.T) {
	r := &Result{FinalText: "Nothing to do."}
	assert.Equal(t, "No files changed.\n\nNothing to do.", r.Summary())
}
