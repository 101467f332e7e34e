package suggest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/llm"
	"github.com/p-blackswan/incept/internal/prompts"
	"github.com/p-blackswan/incept/internal/store"
)

type cannedProvider struct {
	text     string
	err      error
	requests []llm.CompletionRequest
}

func (p *cannedProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Text: p.text, StopReason: llm.StopReasonEndTurn}, nil
}

func (p *cannedProvider) Name() string    { return "canned" }
func (p *cannedProvider) ModelID() string { return "canned-1" }

type staticSnapshots struct{ snap prompts.Snapshot }

func (s staticSnapshots) Current() prompts.Snapshot { return s.snap }

func setup(t *testing.T, provider llm.Provider) (*Suggester, *store.Store, *store.Project) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "incept.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	p, err := st.CreateProject(context.Background(), store.CreateProjectInput{
		Name: "Shop", Description: "An online shop", RepoURL: "https://github.com/acme/shop",
	})
	require.NoError(t, err)
	return New(provider, st, staticSnapshots{prompts.Defaults()}, "claude-test", zerolog.Nop()), st, p
}

const fencedResponse = "Here you go:\n```json\n" + `[
  {"title": "Add request caching", "description": "Repeated lookups hit the DB",
   "implementation_details": "Wrap repo.Get with an LRU", "category": "Performance",
   "priority": "2", "effort": "small", "dependencies": ["none"]},
  {"title": "Harden auth", "category": "security", "priority": 9, "effort": "huge",
   "dependencies": "Add request caching"},
  {"title": "Dark mode", "category": "eye candy"}
]` + "\n```"

func TestParseSuggestions(t *testing.T) {
	got, err := ParseSuggestions(fencedResponse)
	require.NoError(t, err)

	want := []store.NewSuggestion{
		{
			Title:                 "Add request caching",
			Description:           "Repeated lookups hit the DB",
			ImplementationDetails: "Wrap repo.Get with an LRU",
			Category:              "performance",
			Priority:              2,
			Effort:                "small",
		},
		{
			Title:        "Harden auth",
			Category:     "security",
			Priority:     5,
			Effort:       "medium",
			Dependencies: []string{"Add request caching"},
		},
		{Title: "Dark mode", Category: "feature", Priority: 3, Effort: "medium"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseSuggestions mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSuggestions_Rejects(t *testing.T) {
	cases := map[string]string{
		"no array":      "I could not think of anything.",
		"broken json":   `[{"title": "x",]`,
		"empty array":   `[]`,
		"missing title": `[{"title": "ok"}, {"description": "no title"}]`,
		"bad priority":  `[{"title": "x", "priority": "high"}]`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSuggestions(text)
			assert.Error(t, err)
		})
	}
}

func TestNormalizers(t *testing.T) {
	assert.Equal(t, "bugfix", NormalizeCategory(" BugFix "))
	assert.Equal(t, "feature", NormalizeCategory(""))
	assert.Equal(t, "large", NormalizeEffort("Large"))
	assert.Equal(t, "medium", NormalizeEffort("xl"))
	assert.Equal(t, 1, ClampPriority(-4))
	assert.Equal(t, 3, ClampPriority(0))
	assert.Equal(t, 5, ClampPriority(42))
}

func TestGenerate_PersistsSuggestions(t *testing.T) {
	provider := &cannedProvider{text: fencedResponse}
	s, st, p := setup(t, provider)
	ctx := context.Background()

	out, err := s.Generate(ctx, p, "make it faster", 2, "")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, store.SuggestionSuggested, out[0].Status)
	assert.Equal(t, p.ID, out[0].ProjectID)

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.Equal(t, "claude-test", req.Model)
	assert.Equal(t, prompts.Defaults().SuggesterPrompt, req.SystemPrompt)
	assert.Empty(t, req.Tools)
	assert.Contains(t, req.Messages[0].Content, "Direction: make it faster")
	assert.Contains(t, req.Messages[0].Content, "exactly 2 improvements")

	listed, err := st.ListSuggestions(ctx, store.SuggestionFilter{ProjectID: p.ID})
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestGenerate_ProjectModelOverrides(t *testing.T) {
	provider := &cannedProvider{text: `[{"title": "x"}]`}
	s, _, p := setup(t, provider)
	p.Model = "gemini-2.5-pro"

	_, err := s.Generate(context.Background(), p, "", 1, "")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", provider.requests[0].Model)
}

func TestGenerate_MalformedStoresNothing(t *testing.T) {
	s, st, p := setup(t, &cannedProvider{text: `[{"title": "fine"}, {"title": ""}]`})
	ctx := context.Background()

	out, err := s.Generate(ctx, p, "", 2, "")
	require.Error(t, err)
	assert.Nil(t, out)
	var mErr *perrors.ModelError
	assert.ErrorAs(t, err, &mErr)

	listed, err := st.ListSuggestions(ctx, store.SuggestionFilter{ProjectID: p.ID})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestGenerate_ModelFailure(t *testing.T) {
	s, _, p := setup(t, &cannedProvider{err: errors.New("connection refused")})

	_, err := s.Generate(context.Background(), p, "", 3, "")
	require.Error(t, err)
	assert.Equal(t, perrors.KindModel, perrors.KindOf(err))
}

func TestGenerate_InvalidCount(t *testing.T) {
	s, _, p := setup(t, &cannedProvider{})
	_, err := s.Generate(context.Background(), p, "", 0, "")
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}
