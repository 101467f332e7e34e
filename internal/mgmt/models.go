// Package mgmt provides the management API: projects, requests,
// suggestions, improvements and auto-mode sessions over HTTP.
package mgmt

import (
	"github.com/p-blackswan/incept/internal/store"
	"github.com/p-blackswan/incept/internal/tracker"
)

// --- Request DTOs ---

// CreateRequestBody is the payload for POST /projects/:id/requests.
type CreateRequestBody struct {
	Text     string `json:"text"`
	AutoPush *bool  `json:"auto_push,omitempty"` // default true
}

// GenerateSuggestionsBody is the payload for POST /projects/:id/suggestions/generate.
type GenerateSuggestionsBody struct {
	Direction string `json:"direction"`
	Count     int    `json:"count"` // default 3
}

// ImplementSuggestionBody is the payload for POST /suggestions/:id/implement.
type ImplementSuggestionBody struct {
	AutoPush *bool `json:"auto_push,omitempty"`
}

// StartAutoSessionBody is the payload for POST /projects/:id/auto-sessions.
type StartAutoSessionBody struct {
	Direction      string `json:"direction"`
	MaxSuggestions int    `json:"max_suggestions"`
}

// PauseAutoSessionBody is the optional payload for POST /auto-sessions/:id/pause.
type PauseAutoSessionBody struct {
	Note string `json:"note"`
}

// --- Response DTOs ---

type ProjectListResponse struct {
	Projects []*store.Project `json:"projects"`
}

type RequestListResponse struct {
	Requests []*store.Request `json:"requests"`
}

type RequestLogsResponse struct {
	RequestID string              `json:"request_id"`
	Logs      []*store.RequestLog `json:"logs"`
}

type SuggestionListResponse struct {
	Suggestions []*store.Suggestion `json:"suggestions"`
}

type ImprovementListResponse struct {
	Improvements []*store.Improvement `json:"improvements"`
}

// ImprovementResponse optionally carries whether the commit is still in history.
type ImprovementResponse struct {
	Improvement *store.Improvement `json:"improvement"`
	InHistory   *bool              `json:"in_history,omitempty"`
}

type RollbackResponse = tracker.RollbackResult

type AutoSessionListResponse struct {
	Sessions []*store.AutoSession `json:"sessions"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// RevertSHA is set when a rollback committed its revert locally but
	// could not publish it.
	RevertSHA string `json:"revert_sha,omitempty"`
}
