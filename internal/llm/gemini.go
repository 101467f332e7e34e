package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/retry"
)

const defaultGeminiModel = "gemini-2.5-pro"

// contentGenerator is the slice of *genai.Models the provider uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiProvider implements Provider on top of the Gemini function-calling API.
type GeminiProvider struct {
	models    contentGenerator
	model     string
	maxTokens int
	retry     retry.Config
	logger    zerolog.Logger
}

// NewGeminiProvider creates a client for the Gemini API backend.
func NewGeminiProvider(ctx context.Context, apiKey string, logger zerolog.Logger) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return newGeminiProvider(client.Models, logger), nil
}

func newGeminiProvider(models contentGenerator, logger zerolog.Logger) *GeminiProvider {
	return &GeminiProvider{
		models:    models,
		model:     defaultGeminiModel,
		maxTokens: defaultMaxTokens,
		retry:     retry.DefaultConfig(),
		logger:    logger.With().Str("component", "gemini").Logger(),
	}
}

func (p *GeminiProvider) Name() string    { return "gemini" }
func (p *GeminiProvider) ModelID() string { return p.model }

func buildGeminiContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := string(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = string(genai.RoleModel)
		}
		c := &genai.Content{Role: role}
		for _, r := range m.ToolResults {
			key := "output"
			if r.IsError {
				key = "error"
			}
			c.Parts = append(c.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       r.ToolUseID,
				Name:     r.Name,
				Response: map[string]any{key: r.Content},
			}})
		}
		if m.Content != "" {
			c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
		}
		for _, u := range m.ToolUses {
			var args map[string]any
			_ = json.Unmarshal(u.Input, &args)
			c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   u.ID,
				Name: u.Name,
				Args: args,
			}})
		}
		if len(c.Parts) > 0 {
			out = append(out, c)
		}
	}
	return out
}

func (p *GeminiProvider) buildConfig(req CompletionRequest) (*genai.GenerateContentConfig, error) {
	maxTok := p.maxTokens
	if req.MaxTokens > 0 {
		maxTok = req.MaxTokens
	}
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: int32(maxTok)}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", t.Name, err)
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: schema,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg, nil
}

// Complete sends the conversation to Gemini and maps function calls back to ToolUses.
func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	cfg, err := p.buildConfig(req)
	if err != nil {
		return nil, err
	}
	contents := buildGeminiContents(req.Messages)

	rc := p.retry
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying gemini request")
	}

	var resp *genai.GenerateContentResponse
	err = retry.Do(ctx, rc, func(ctx context.Context) error {
		var callErr error
		resp, callErr = p.models.GenerateContent(ctx, model, contents, cfg)
		var apiErr genai.APIError
		if errors.As(callErr, &apiErr) {
			return perrors.NewAPIError("gemini", apiErr.Code, apiErr.Message)
		}
		return callErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &perrors.ModelError{Provider: p.Name(), Err: err}
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &perrors.ModelError{Provider: p.Name(), Err: errors.New("empty response")}
	}

	out := &CompletionResponse{Text: resp.Text(), StopReason: StopReasonEndTurn}
	for i, fc := range resp.FunctionCalls() {
		input, err := json.Marshal(fc.Args)
		if err != nil {
			return nil, &perrors.ModelError{Provider: p.Name(), Err: fmt.Errorf("function call args: %w", err)}
		}
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out.ToolUses = append(out.ToolUses, ToolUse{ID: id, Name: fc.Name, Input: input})
	}
	switch {
	case len(out.ToolUses) > 0:
		out.StopReason = StopReasonToolUse
	case resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens:
		out.StopReason = StopReasonMaxTokens
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	p.logger.Debug().
		Str("model", model).
		Str("stop_reason", out.StopReason).
		Int("tool_uses", len(out.ToolUses)).
		Msg("gemini complete")
	return out, nil
}
