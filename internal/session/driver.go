// Package session runs one bounded tool-use conversation with the model for a
// single improvement request.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/llm"
	"github.com/p-blackswan/incept/internal/prompts"
	"github.com/p-blackswan/incept/internal/tool"
)

// Request is the input to one agent session.
type Request struct {
	RequestID    string
	ProjectName  string
	Instruction  string
	Model        string
	PriorContext string // continuation notes from a parent request, may be empty

	// Observer, if set, is called after every tool execution.
	Observer func(ToolEvent)
}

// ToolEvent describes one executed tool call.
type ToolEvent struct {
	Turn    int
	Tool    string
	Changed string
	Err     error
}

// Result is what a session produced. It is returned even when Run fails so
// that partial progress (changed files, turn count) is never lost.
type Result struct {
	FinalText     string
	ChangedFiles  []string
	Turns         int
	ToolCalls     int
	InputTokens   int
	OutputTokens  int
	Elapsed       time.Duration
	PromptVersion uint64
}

// Summary renders the result for the request record.
func (r *Result) Summary() string {
	var b strings.Builder
	if len(r.ChangedFiles) > 0 {
		b.WriteString("Changes made:\n")
		for _, f := range r.ChangedFiles {
			b.WriteString("- " + f + "\n")
		}
	} else {
		b.WriteString("No files changed.\n")
	}
	if text := strings.TrimSpace(r.FinalText); text != "" {
		b.WriteString("\n" + text)
	}
	return strings.TrimSpace(b.String())
}

func (r *Result) addChanged(path string) {
	for _, f := range r.ChangedFiles {
		if f == path {
			return
		}
	}
	r.ChangedFiles = append(r.ChangedFiles, path)
}

// Driver owns the model side of a session.
type Driver struct {
	provider llm.Provider
	logger   zerolog.Logger
}

// NewDriver creates a driver backed by provider.
func NewDriver(provider llm.Provider, logger zerolog.Logger) *Driver {
	return &Driver{
		provider: provider,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// Run drives the conversation until the model stops calling tools or a budget
// in snap is exhausted. Tool failures are handed back to the model as error
// results; only budget exhaustion and model failures end the session early.
func (d *Driver) Run(ctx context.Context, req Request, snap prompts.Snapshot, files tool.Files) (*Result, error) {
	start := time.Now()
	res := &Result{PromptVersion: snap.Version}
	defer func() { res.Elapsed = time.Since(start) }()

	log := d.logger.With().Str("request_id", req.RequestID).Str("model", req.Model).
		Uint64("prompt_version", snap.Version).Logger()

	if snap.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, snap.MaxDuration)
		defer cancel()
	}
	budgetErr := func(limit string) error {
		return &perrors.BudgetError{Limit: limit, Turns: res.Turns, Elapsed: time.Since(start)}
	}

	exec := tool.NewExecutor(files)
	schemas := tool.Schemas()
	msgs := []llm.Message{llm.UserMessage(BuildPrompt(req))}

	for {
		if res.Turns >= snap.MaxTurns {
			log.Warn().Int("turns", res.Turns).Int("files_changed", len(res.ChangedFiles)).Msg("turn budget exhausted")
			return res, budgetErr("turns")
		}
		if ctx.Err() != nil {
			return res, d.ctxErr(ctx, budgetErr)
		}

		resp, err := d.provider.Complete(ctx, llm.CompletionRequest{
			Messages:     msgs,
			SystemPrompt: snap.SystemPrompt,
			Tools:        schemas,
			MaxTokens:    snap.MaxTokens,
			Temperature:  snap.Temperature,
			Model:        req.Model,
		})
		res.Turns++
		if err != nil {
			if ctx.Err() != nil {
				return res, d.ctxErr(ctx, budgetErr)
			}
			var mErr *perrors.ModelError
			if !errors.As(err, &mErr) {
				err = &perrors.ModelError{Provider: d.provider.Name(), Err: err}
			}
			log.Error().Err(err).Int("turn", res.Turns).Msg("model call failed")
			return res, err
		}
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens

		log.Debug().Int("turn", res.Turns).Str("stop_reason", resp.StopReason).
			Int("tool_uses", len(resp.ToolUses)).Msg("model turn")

		if len(resp.ToolUses) == 0 {
			if resp.StopReason == llm.StopReasonMaxTokens {
				log.Warn().Int("turn", res.Turns).Msg("final turn hit max tokens, response may be truncated")
			}
			res.FinalText = resp.Text
			log.Info().Int("turns", res.Turns).Int("tool_calls", res.ToolCalls).
				Int("files_changed", len(res.ChangedFiles)).Msg("session finished")
			return res, nil
		}

		msgs = append(msgs, llm.AssistantMessage(resp))
		results := make([]llm.ToolResult, 0, len(resp.ToolUses))
		for _, tu := range resp.ToolUses {
			results = append(results, d.runTool(exec, res, req, tu))
		}
		msgs = append(msgs, llm.ToolResultMessage(results...))
	}
}

func (d *Driver) runTool(exec *tool.Executor, res *Result, req Request, tu llm.ToolUse) llm.ToolResult {
	res.ToolCalls++
	result := llm.ToolResult{ToolUseID: tu.ID, Name: tu.Name}

	var (
		out tool.Outcome
		err error
	)
	call, err := tool.Decode(tu.Name, tu.Input)
	if err == nil {
		out, err = exec.Execute(call)
	}
	if err != nil {
		result.Content = "Error: " + err.Error()
		result.IsError = true
	} else {
		result.Content = out.Output
		if out.Changed != "" {
			res.addChanged(out.Changed)
		}
	}
	if req.Observer != nil {
		req.Observer(ToolEvent{Turn: res.Turns, Tool: tu.Name, Changed: out.Changed, Err: err})
	}
	return result
}

// ctxErr maps a finished context onto the session taxonomy: a deadline is the
// duration budget, anything else is the caller cancelling.
func (d *Driver) ctxErr(ctx context.Context, budgetErr func(string) error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return budgetErr("duration")
	}
	return ctx.Err()
}

// BuildPrompt renders the first user turn of a session.
func BuildPrompt(req Request) string {
	var b strings.Builder
	if req.ProjectName != "" {
		fmt.Fprintf(&b, "Project: %s\n\n", req.ProjectName)
	}
	if prior := strings.TrimSpace(req.PriorContext); prior != "" {
		b.WriteString("Context from a previous attempt at this request:\n")
		b.WriteString(prior)
		b.WriteString("\n\n")
	}
	b.WriteString("Request:\n")
	b.WriteString(strings.TrimSpace(req.Instruction))
	b.WriteString("\n\nUse the tools to make the changes, then reply with a short summary of what you did.")
	return b.String()
}
