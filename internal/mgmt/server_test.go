package mgmt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/incept/internal/automode"
	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/health"
	"github.com/p-blackswan/incept/internal/metrics"
	"github.com/p-blackswan/incept/internal/policy"
	"github.com/p-blackswan/incept/internal/store"
	"github.com/p-blackswan/incept/internal/tracker"
)

type fakeSuggester struct {
	st  *store.Store
	err error
}

func (f *fakeSuggester) Generate(ctx context.Context, p *store.Project, _ string, n int, sessionID string) ([]*store.Suggestion, error) {
	if f.err != nil {
		return nil, f.err
	}
	items := make([]store.NewSuggestion, n)
	for i := range items {
		items[i] = store.NewSuggestion{Title: "Idea", Category: "feature", Priority: 2, Effort: "small"}
	}
	return f.st.CreateSuggestions(ctx, p.ID, sessionID, items)
}

type fakeTracker struct {
	st  *store.Store
	err error
}

func (f *fakeTracker) Rollback(ctx context.Context, id string) (*tracker.RollbackResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	imp, err := f.st.GetImprovement(ctx, id)
	if err != nil {
		return nil, err
	}
	if !imp.Enabled {
		return &tracker.RollbackResult{Improvement: imp, RevertSHA: imp.RevertSHA, Noop: true}, nil
	}
	if err := f.st.DisableImprovement(ctx, id, "rev123"); err != nil {
		return nil, err
	}
	imp, _ = f.st.GetImprovement(ctx, id)
	return &tracker.RollbackResult{Improvement: imp, RevertSHA: "rev123"}, nil
}

func (f *fakeTracker) Verify(context.Context, string) (bool, error) { return true, nil }

type testEnv struct {
	app *fiber.App
	st  *store.Store
	sg  *fakeSuggester
	tr  *fakeTracker
}

func newTestEnv(t *testing.T, auth AuthConfig) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "incept.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	checker := health.NewChecker(zerolog.Nop())
	checker.Register("database", health.PingCheck(st.DB()))
	sg := &fakeSuggester{st: st}
	tr := &fakeTracker{st: st}
	srv := NewServer(ServerConfig{
		AuthConfig: auth,
		RateLimit:  RateLimitConfig{RPS: 1000, Burst: 1000},
	}, Deps{
		Store:     st,
		Suggester: sg,
		Tracker:   tr,
		AutoMode:  automode.New(st, sg, policy.AutoPolicy{}, time.Hour, zerolog.Nop()),
		Checker:   checker,
		Metrics:   metrics.New(),
	}, zerolog.Nop())
	return &testEnv{app: srv.App(), st: st, sg: sg, tr: tr}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (e *testEnv) createProject(t *testing.T) *store.Project {
	t.Helper()
	resp, data := e.do(t, "POST", "/api/v1/projects", `{"name":"Shop","repo_url":"https://github.com/acme/shop"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	return decode[*store.Project](t, data)
}

func noAuth() AuthConfig { return AuthConfig{Mode: "none"} }

func TestServer_Probes(t *testing.T) {
	e := newTestEnv(t, AuthConfig{Mode: "api-key", APIKey: "secret"})

	resp, data := e.do(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]any](t, data)["status"])

	resp, _ = e.do(t, "GET", "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = e.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "incept_")
}

func TestServer_RequestIDEchoed(t *testing.T) {
	e := newTestEnv(t, noAuth())
	resp, _ := e.do(t, "GET", "/api/v1/projects", "", "X-Request-ID", "trace-42")
	assert.Equal(t, "trace-42", resp.Header.Get("X-Request-ID"))

	resp, _ = e.do(t, "GET", "/api/v1/projects", "")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_ProjectCRUD(t *testing.T) {
	e := newTestEnv(t, noAuth())
	p := e.createProject(t)
	assert.Equal(t, "shop", p.Slug)
	assert.Equal(t, "main", p.Branch)

	resp, data := e.do(t, "GET", "/api/v1/projects/shop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, p.ID, decode[*store.Project](t, data).ID)

	resp, data = e.do(t, "PATCH", "/api/v1/projects/"+p.ID, `{"model":"gemini-2.5-pro"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, "gemini-2.5-pro", decode[*store.Project](t, data).Model)

	resp, data = e.do(t, "POST", "/api/v1/projects", `{"name":"Shop","local_path":"/tmp/x"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", decode[ProblemDetail](t, data).Type)

	resp, data = e.do(t, "POST", "/api/v1/projects", `{"name":"Nowhere"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", decode[ProblemDetail](t, data).Type)

	resp, data = e.do(t, "GET", "/api/v1/projects", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[ProjectListResponse](t, data).Projects, 1)
}

func TestServer_NotFoundIsProblem(t *testing.T) {
	e := newTestEnv(t, noAuth())
	resp, data := e.do(t, "GET", "/api/v1/requests/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	p := decode[ProblemDetail](t, data)
	assert.Equal(t, 404, p.Status)
	assert.Equal(t, "/api/v1/requests/nope", p.Instance)

	resp, data = e.do(t, "GET", "/api/v1/no-such-route", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found", decode[ProblemDetail](t, data).Title)
}

func TestServer_RequestLifecycle(t *testing.T) {
	e := newTestEnv(t, noAuth())
	p := e.createProject(t)
	ctx := context.Background()

	resp, data := e.do(t, "POST", "/api/v1/projects/"+p.Slug+"/requests", `{"text":"Add a health endpoint"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	r := decode[*store.Request](t, data)
	assert.Equal(t, store.RequestPending, r.Status)
	assert.True(t, r.AutoPush)

	resp, _ = e.do(t, "POST", "/api/v1/projects/"+p.ID+"/requests", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = e.do(t, "POST", "/api/v1/requests/"+r.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	cancelled := decode[*store.Request](t, data)
	assert.Equal(t, store.RequestError, cancelled.Status)
	assert.Equal(t, store.ReasonCancelled, cancelled.Error)

	resp, _ = e.do(t, "POST", "/api/v1/requests/"+r.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, data = e.do(t, "POST", "/api/v1/requests/"+r.ID+"/resubmit", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	again := decode[*store.Request](t, data)
	assert.Equal(t, r.ID, again.ParentID)

	require.NoError(t, e.st.AddRequestLog(ctx, again.ID, "info", "reading files"))
	resp, data = e.do(t, "GET", "/api/v1/requests/"+again.ID+"/logs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := decode[RequestLogsResponse](t, data)
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, "reading files", logs.Logs[0].Message)

	resp, data = e.do(t, "GET", "/api/v1/projects/"+p.ID+"/requests?status=pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[RequestListResponse](t, data).Requests, 1)
}

func TestServer_SuggestionFlow(t *testing.T) {
	e := newTestEnv(t, noAuth())
	p := e.createProject(t)

	resp, data := e.do(t, "POST", "/api/v1/projects/"+p.ID+"/suggestions/generate", `{"direction":"speed","count":2}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	sgs := decode[SuggestionListResponse](t, data).Suggestions
	require.Len(t, sgs, 2)

	resp, _ = e.do(t, "POST", "/api/v1/suggestions/"+sgs[0].ID+"/implement", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "must be approved first")

	resp, data = e.do(t, "POST", "/api/v1/suggestions/"+sgs[0].ID+"/approve", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, store.SuggestionAccepted, decode[*store.Suggestion](t, data).Status)

	resp, data = e.do(t, "POST", "/api/v1/suggestions/"+sgs[0].ID+"/implement", `{"auto_push":false}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	r := decode[*store.Request](t, data)
	assert.False(t, r.AutoPush)
	assert.Equal(t, sgs[0].ID, r.SuggestionID)
	assert.True(t, strings.HasPrefix(r.Text, "Implement the following improvement"))

	resp, data = e.do(t, "POST", "/api/v1/suggestions/"+sgs[1].ID+"/reject", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.SuggestionRejected, decode[*store.Suggestion](t, data).Status)

	resp, data = e.do(t, "GET", "/api/v1/projects/"+p.ID+"/suggestions?status=implementing", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[SuggestionListResponse](t, data).Suggestions, 1)
}

func TestServer_GenerateModelFailure(t *testing.T) {
	e := newTestEnv(t, noAuth())
	p := e.createProject(t)
	e.sg.err = &perrors.ModelError{Provider: "anthropic", Err: perrors.ErrUnavailable}

	resp, data := e.do(t, "POST", "/api/v1/projects/"+p.ID+"/suggestions/generate", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "model_failure", decode[ProblemDetail](t, data).Type)
}

func TestServer_ImprovementsAndRollback(t *testing.T) {
	e := newTestEnv(t, noAuth())
	p := e.createProject(t)
	ctx := context.Background()

	r, err := e.st.CreateRequest(ctx, store.NewRequest{ProjectID: p.ID, Text: "x"})
	require.NoError(t, err)
	ok, err := e.st.ClaimRequest(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.st.FinishRequest(ctx, r.ID, store.RequestCompleted, store.Outcome{CommitSHA: "abc"}))
	imp, err := e.st.RecordImprovement(ctx, store.NewImprovement{
		ProjectID: p.ID, RequestID: r.ID, Title: "x", FeatureFlag: "incept_plus_x", CommitSHA: "abc", Files: []string{"a.go"},
	})
	require.NoError(t, err)

	resp, data := e.do(t, "GET", "/api/v1/improvements/"+imp.ID+"?verify=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[ImprovementResponse](t, data)
	require.NotNil(t, got.InHistory)
	assert.True(t, *got.InHistory)

	resp, data = e.do(t, "POST", "/api/v1/improvements/"+imp.ID+"/rollback", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	rb := decode[tracker.RollbackResult](t, data)
	assert.Equal(t, "rev123", rb.RevertSHA)
	assert.False(t, rb.Noop)

	resp, data = e.do(t, "POST", "/api/v1/improvements/"+imp.ID+"/rollback", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[tracker.RollbackResult](t, data).Noop)

	resp, data = e.do(t, "GET", "/api/v1/projects/"+p.ID+"/improvements/summary", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sum := decode[store.ImprovementSummary](t, data)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Disabled)

	resp, data = e.do(t, "GET", "/api/v1/projects/"+p.ID+"/improvements", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[ImprovementListResponse](t, data).Improvements, 1)
}

func TestServer_RollbackPushFailureIsProblem(t *testing.T) {
	e := newTestEnv(t, noAuth())
	e.tr.err = &tracker.RollbackError{
		RevertSHA: "feedface1234",
		Err:       &perrors.VCSError{Op: "push", Err: perrors.ErrAuthFailure},
	}

	resp, data := e.do(t, "POST", "/api/v1/improvements/some-id/rollback", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	prob := decode[ProblemDetail](t, data)
	assert.Equal(t, "vcs_failure", prob.Type)
	assert.Equal(t, "feedface1234", prob.RevertSHA)
	assert.True(t, strings.HasPrefix(prob.Detail, "VcsFailure:"), prob.Detail)
}

func TestServer_AutoSessions(t *testing.T) {
	e := newTestEnv(t, noAuth())
	p := e.createProject(t)

	resp, data := e.do(t, "POST", "/api/v1/projects/"+p.ID+"/auto-sessions", `{"direction":"tests","max_suggestions":4}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	sess := decode[*store.AutoSession](t, data)
	assert.Equal(t, store.AutoRunning, sess.Status)

	resp, _ = e.do(t, "POST", "/api/v1/projects/"+p.ID+"/auto-sessions", `{"max_suggestions":2}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "one active session per project")

	resp, _ = e.do(t, "POST", "/api/v1/projects/"+p.ID+"/auto-sessions", `{"max_suggestions":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = e.do(t, "POST", "/api/v1/auto-sessions/"+sess.ID+"/pause", `{"note":"holiday"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	paused := decode[*store.AutoSession](t, data)
	assert.Equal(t, store.AutoPaused, paused.Status)
	assert.Equal(t, "holiday", paused.Note)

	resp, _ = e.do(t, "POST", "/api/v1/auto-sessions/"+sess.ID+"/pause", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, data = e.do(t, "POST", "/api/v1/auto-sessions/"+sess.ID+"/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.AutoRunning, decode[*store.AutoSession](t, data).Status)

	resp, _ = e.do(t, "POST", "/api/v1/auto-sessions/missing/resume", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = e.do(t, "GET", "/api/v1/projects/"+p.ID+"/auto-sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[AutoSessionListResponse](t, data).Sessions, 1)
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{RPS: 1, Burst: 2})
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	rl.lastSweep = now

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"))

	now = now.Add(time.Second)
	assert.True(t, rl.allow("a"))

	now = now.Add(time.Hour)
	rl.allow("c")
	assert.NotContains(t, rl.clients, "a", "idle buckets are swept")
}
