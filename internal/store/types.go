package store

import "strings"

// Project status values.
const (
	ProjectActive   = "active"
	ProjectArchived = "archived"
)

// Project is a code repository the system operates on.
type Project struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	RepoURL     string `json:"repo_url,omitempty"`
	Branch      string `json:"branch"`
	Token       string `json:"-"`
	LocalPath   string `json:"local_path,omitempty"`
	Model       string `json:"model,omitempty"`
	ServiceID   string `json:"service_id,omitempty"`
	ServiceURL  string `json:"service_url,omitempty"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// HasRemote reports whether the project is backed by a remote repository.
func (p *Project) HasRemote() bool {
	return p.RepoURL != ""
}

// RequestStatus is the lifecycle state of a change request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestError      RequestStatus = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestError
}

// Request is a natural-language change request against one project.
type Request struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"project_id"`
	Text          string        `json:"text"`
	Status        RequestStatus `json:"status"`
	AutoPush      bool          `json:"auto_push"`
	ParentID      string        `json:"parent_id,omitempty"`
	SuggestionID  string        `json:"suggestion_id,omitempty"`
	AutoSessionID string        `json:"auto_session_id,omitempty"`
	Summary       string        `json:"summary,omitempty"`
	CommitSHA     string        `json:"commit_sha,omitempty"`
	Error         string        `json:"error,omitempty"`
	Turns         int           `json:"turns"`
	CreatedAt     int64         `json:"created_at"`
	UpdatedAt     int64         `json:"updated_at"`
	StartedAt     int64         `json:"started_at,omitempty"`
	CompletedAt   int64         `json:"completed_at,omitempty"`
}

// ShortID is the first eight characters of the request id.
func (r *Request) ShortID() string {
	return ShortID(r.ID)
}

// ShortID truncates an id to eight characters.
func ShortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RequestLog is one progress line recorded while a request runs.
type RequestLog struct {
	ID        int64  `json:"id"`
	RequestID string `json:"request_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"`
}

// SuggestionStatus is the lifecycle state of a suggestion.
type SuggestionStatus string

const (
	SuggestionSuggested    SuggestionStatus = "suggested"
	SuggestionAccepted     SuggestionStatus = "accepted"
	SuggestionRejected     SuggestionStatus = "rejected"
	SuggestionImplementing SuggestionStatus = "implementing"
	SuggestionImplemented  SuggestionStatus = "implemented"
)

// Suggestion is a model-proposed improvement for a project.
type Suggestion struct {
	ID                    string           `json:"id"`
	ProjectID             string           `json:"project_id"`
	AutoSessionID         string           `json:"auto_session_id,omitempty"`
	Title                 string           `json:"title"`
	Description           string           `json:"description"`
	ImplementationDetails string           `json:"implementation_details,omitempty"`
	Category              string           `json:"category"`
	Priority              int              `json:"priority"`
	Effort                string           `json:"effort"`
	Dependencies          []string         `json:"dependencies,omitempty"`
	Status                SuggestionStatus `json:"status"`
	RequestID             string           `json:"request_id,omitempty"`
	CreatedAt             int64            `json:"created_at"`
	UpdatedAt             int64            `json:"updated_at"`
}

// NewSuggestion carries the fields of a freshly generated suggestion.
type NewSuggestion struct {
	Title                 string
	Description           string
	ImplementationDetails string
	Category              string
	Priority              int
	Effort                string
	Dependencies          []string
}

// Improvement is an applied change with a revertible commit.
type Improvement struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	RequestID    string   `json:"request_id"`
	SuggestionID string   `json:"suggestion_id,omitempty"`
	Title        string   `json:"title"`
	FeatureFlag  string   `json:"feature_flag"`
	CommitSHA    string   `json:"commit_sha"`
	Files        []string `json:"files"`
	Enabled      bool     `json:"enabled"`
	RevertSHA    string   `json:"revert_sha,omitempty"`
	CreatedAt    int64    `json:"created_at"`
	DisabledAt   int64    `json:"disabled_at,omitempty"`
}

// ImprovementSummary aggregates a project's improvements.
type ImprovementSummary struct {
	Total      int `json:"total"`
	Enabled    int `json:"enabled"`
	Disabled   int `json:"disabled"`
	WithCommit int `json:"with_commit"`
}

// AutoSessionStatus is the lifecycle state of an auto session.
type AutoSessionStatus string

const (
	AutoRunning   AutoSessionStatus = "running"
	AutoPaused    AutoSessionStatus = "paused"
	AutoCompleted AutoSessionStatus = "completed"
)

// Active reports whether the session still holds its project slot.
func (s AutoSessionStatus) Active() bool {
	return s == AutoRunning || s == AutoPaused
}

// AutoSession drives suggestion generation and submission for a project.
type AutoSession struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	Direction      string            `json:"direction,omitempty"`
	MaxSuggestions int               `json:"max_suggestions"`
	Submitted      int               `json:"submitted"`
	Generated      int               `json:"generated"`
	Status         AutoSessionStatus `json:"status"`
	Note           string            `json:"note,omitempty"`
	CreatedAt      int64             `json:"created_at"`
	UpdatedAt      int64             `json:"updated_at"`
}

// Remaining is how many more requests the session may submit.
func (a *AutoSession) Remaining() int {
	if r := a.MaxSuggestions - a.Submitted; r > 0 {
		return r
	}
	return 0
}
