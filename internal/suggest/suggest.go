// Package suggest asks the model for candidate improvements and stores them
// as suggestions. It never touches a working tree.
package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/llm"
	"github.com/p-blackswan/incept/internal/prompts"
	"github.com/p-blackswan/incept/internal/store"
)

// MaxBatch caps how many suggestions one Generate call may ask for.
const MaxBatch = 10

// Categories are the accepted suggestion categories. Anything else
// normalizes to feature.
var Categories = []string{"feature", "bugfix", "performance", "refactoring", "ui", "testing", "documentation", "security"}

// Snapshots returns the prompt snapshot to use for one generation.
type Snapshots interface {
	Current() prompts.Snapshot
}

// Suggester generates suggestions for a project.
type Suggester struct {
	provider     llm.Provider
	store        *store.Store
	prompts      Snapshots
	defaultModel string
	logger       zerolog.Logger
}

// New creates a Suggester. defaultModel is used for projects without a model.
func New(provider llm.Provider, st *store.Store, snaps Snapshots, defaultModel string, logger zerolog.Logger) *Suggester {
	return &Suggester{
		provider:     provider,
		store:        st,
		prompts:      snaps,
		defaultModel: defaultModel,
		logger:       logger.With().Str("component", "suggester").Logger(),
	}
}

// Generate asks for n suggestions in the given direction and persists them in
// suggested status. autoSessionID links them to an auto-mode session and may
// be empty. Either all parsed suggestions are stored or none are.
func (s *Suggester) Generate(ctx context.Context, p *store.Project, direction string, n int, autoSessionID string) ([]*store.Suggestion, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: suggestion count must be positive", perrors.ErrInvalidInput)
	}
	if n > MaxBatch {
		n = MaxBatch
	}
	model := p.Model
	if model == "" {
		model = s.defaultModel
	}
	snap := s.prompts.Current()
	log := s.logger.With().Str("project_id", p.ID).Str("model", model).Str("session_id", autoSessionID).Logger()

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     []llm.Message{llm.UserMessage(BuildPrompt(p, direction, n))},
		SystemPrompt: snap.SuggesterPrompt,
		MaxTokens:    snap.SuggesterMaxTokens,
		Temperature:  snap.Temperature,
		Model:        model,
	})
	if err != nil {
		var mErr *perrors.ModelError
		if !errors.As(err, &mErr) {
			err = &perrors.ModelError{Provider: s.provider.Name(), Err: err}
		}
		log.Error().Err(err).Msg("suggestion request failed")
		return nil, err
	}

	items, err := ParseSuggestions(resp.Text)
	if err != nil {
		log.Warn().Err(err).Int("response_len", len(resp.Text)).Msg("unusable suggestion response")
		return nil, &perrors.ModelError{Provider: s.provider.Name(), Err: err}
	}
	if len(items) > n {
		items = items[:n]
	}

	out, err := s.store.CreateSuggestions(ctx, p.ID, autoSessionID, items)
	if err != nil {
		return nil, fmt.Errorf("storing suggestions: %w", err)
	}
	log.Info().Int("requested", n).Int("created", len(out)).Msg("suggestions generated")
	return out, nil
}

// BuildPrompt renders the user turn of a generation request.
func BuildPrompt(p *store.Project, direction string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", p.Description)
	}
	if p.RepoURL != "" {
		fmt.Fprintf(&b, "Repository: %s (branch %s)\n", p.RepoURL, p.Branch)
	}
	b.WriteString("\n")
	if d := strings.TrimSpace(direction); d != "" {
		fmt.Fprintf(&b, "Direction: %s\n\n", d)
	}
	fmt.Fprintf(&b, "Suggest exactly %d improvements. Respond with a JSON array of objects with the keys\n", n)
	b.WriteString(`"title", "description", "implementation_details", "category", "priority", "effort" and "dependencies".`)
	return b.String()
}

type rawSuggestion struct {
	Title                 string          `json:"title"`
	Description           string          `json:"description"`
	ImplementationDetails string          `json:"implementation_details"`
	Category              string          `json:"category"`
	Priority              flexInt         `json:"priority"`
	Effort                string          `json:"effort"`
	Dependencies          json.RawMessage `json:"dependencies"`
}

// flexInt accepts 2, 2.0 and "2".
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("priority %s is not a number", data)
	}
	*f = flexInt(v)
	return nil
}

// ParseSuggestions extracts suggestions from a model response: a JSON array,
// optionally fenced in Markdown. Every item must have a title; otherwise the
// whole response is rejected.
func ParseSuggestions(text string) ([]store.NewSuggestion, error) {
	body := stripFence(text)
	start := strings.IndexByte(body, '[')
	end := strings.LastIndexByte(body, ']')
	if start < 0 || end < start {
		return nil, errors.New("response contains no JSON array")
	}

	var raw []rawSuggestion
	if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("malformed suggestion array: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("response contains no suggestions")
	}

	out := make([]store.NewSuggestion, 0, len(raw))
	for i, r := range raw {
		title := strings.TrimSpace(r.Title)
		if title == "" {
			return nil, fmt.Errorf("suggestion %d has no title", i+1)
		}
		out = append(out, store.NewSuggestion{
			Title:                 title,
			Description:           strings.TrimSpace(r.Description),
			ImplementationDetails: strings.TrimSpace(r.ImplementationDetails),
			Category:              NormalizeCategory(r.Category),
			Priority:              ClampPriority(int(r.Priority)),
			Effort:                NormalizeEffort(r.Effort),
			Dependencies:          parseDependencies(r.Dependencies),
		})
	}
	return out, nil
}

func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// parseDependencies accepts a list of strings or a single string.
func parseDependencies(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var one string
		if json.Unmarshal(raw, &one) != nil {
			return nil
		}
		list = []string{one}
	}
	out := list[:0]
	for _, d := range list {
		d = strings.TrimSpace(d)
		if d != "" && !strings.EqualFold(d, "none") {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NormalizeCategory maps c onto Categories.
func NormalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	for _, known := range Categories {
		if c == known {
			return c
		}
	}
	return "feature"
}

// NormalizeEffort maps e onto small, medium or large.
func NormalizeEffort(e string) string {
	switch e = strings.ToLower(strings.TrimSpace(e)); e {
	case "small", "medium", "large":
		return e
	}
	return "medium"
}

// ClampPriority keeps p within 1..5. Zero means unset and becomes 3.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return 3
	case p < 1:
		return 1
	case p > 5:
		return 5
	}
	return p
}
