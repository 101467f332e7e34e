package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/incept/internal/mgmt"
	"github.com/p-blackswan/incept/internal/store"
)

type captured struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newAPI(t *testing.T, status int, resp any) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.RequestURI()
		got.auth = r.Header.Get("Authorization")
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestClient_DecodesResponse(t *testing.T) {
	srv, got := newAPI(t, http.StatusOK, store.Request{ID: "r1", Status: store.RequestPending})
	c := NewClient(srv.URL+"/", "k")

	var r store.Request
	require.NoError(t, c.Get(context.Background(), "/requests/r1", &r))
	assert.Equal(t, "r1", r.ID)
	assert.Equal(t, "/api/v1/requests/r1", got.path)
	assert.Equal(t, "Bearer k", got.auth)
}

func TestClient_ProblemError(t *testing.T) {
	srv, _ := newAPI(t, http.StatusConflict, mgmt.ProblemDetail{
		Type: "conflict", Title: "Conflict", Status: 409, Detail: "request r1 is not pending",
	})
	c := NewClient(srv.URL, "")

	err := c.Post(context.Background(), "/requests/r1/cancel", nil, nil)
	var pe *ProblemError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusConflict, pe.Status)
	assert.Equal(t, "409 Conflict: request r1 is not pending", err.Error())
}

func TestClient_NoAuthHeaderWithoutKey(t *testing.T) {
	srv, got := newAPI(t, http.StatusOK, mgmt.ProjectListResponse{})
	require.NoError(t, NewClient(srv.URL, "").Get(context.Background(), "/projects", nil))
	assert.Empty(t, got.auth)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		jsonOutput = false
		requestNoPush = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRequestSubmit(t *testing.T) {
	srv, got := newAPI(t, http.StatusCreated, store.Request{ID: "r-42", Status: store.RequestPending})

	out, err := run(t, "--server", srv.URL, "request", "submit", "shop", "add", "a", "health", "endpoint", "--no-push")
	require.NoError(t, err)
	assert.Equal(t, "queued request r-42\n", out)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/v1/projects/shop/requests", got.path)
	assert.Equal(t, "add a health endpoint", got.body["text"])
	assert.Equal(t, false, got.body["auto_push"])
}

func TestAutoPause_JSONOutput(t *testing.T) {
	srv, got := newAPI(t, http.StatusOK, store.AutoSession{ID: "s1", Status: store.AutoPaused, Note: "lunch"})

	out, err := run(t, "--server", srv.URL, "--json", "auto", "pause", "s1", "--note", "lunch")
	require.NoError(t, err)
	assert.Equal(t, "lunch", got.body["note"])

	var s store.AutoSession
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, store.AutoPaused, s.Status)
}

func TestRollback_Output(t *testing.T) {
	srv, _ := newAPI(t, http.StatusOK, mgmt.RollbackResponse{RevertSHA: "abc123"})

	out, err := run(t, "--server", srv.URL, "improvement", "rollback", "i1")
	require.NoError(t, err)
	assert.Equal(t, "reverted as abc123\n", out)
}

func TestRollback_PushFailure(t *testing.T) {
	srv, _ := newAPI(t, http.StatusBadGateway, mgmt.ProblemDetail{
		Type: "vcs_failure", Title: "Bad Gateway", Status: http.StatusBadGateway,
		Detail: "VcsFailure: revert abc123 not pushed", RevertSHA: "abc123",
	})

	_, err := run(t, "--server", srv.URL, "improvement", "rollback", "i1")
	var pe *ProblemError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "502 Bad Gateway: VcsFailure: revert abc123 not pushed (revert abc123 kept locally)", err.Error())
}
