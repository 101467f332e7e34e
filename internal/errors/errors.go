// Package errors provides structured error types for the change pipeline.
//
// Four failure kinds cross component boundaries: sandbox violations, budget
// exhaustion, version-control failures and model failures. Everything the
// processor or tracker persists as a terminal reason goes through Reason.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrAuthFailure  = errors.New("authentication failed")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
	ErrConflict     = errors.New("state conflict")

	ErrPathViolation  = errors.New("path escapes working tree")
	ErrFileNotFound   = errors.New("file not found")
	ErrEditNoMatch    = errors.New("old text not found")
	ErrEditAmbiguous  = errors.New("old text is not unique")
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrNoChanges      = errors.New("no changes to commit")
)

// Kind classifies an error for persisted reasons and metrics labels.
type Kind string

const (
	KindSandbox  Kind = "SandboxViolation"
	KindBudget   Kind = "BudgetExceeded"
	KindVCS      Kind = "VcsFailure"
	KindModel    Kind = "ModelFailure"
	KindTimeout  Kind = "Timeout"
	KindInternal Kind = "InternalError"
)

// APIError represents an error from an external API call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	// RetryAfter is the server's back-off hint, zero when none was sent.
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// SandboxError is returned by every sandbox operation that is refused or fails.
type SandboxError struct {
	Op   string
	Path string
	Err  error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// BudgetError reports which session limit ended the conversation.
type BudgetError struct {
	Limit   string // "turns" or "duration"
	Turns   int
	Elapsed time.Duration
}

func (e *BudgetError) Error() string {
	if e.Limit == "duration" {
		return fmt.Sprintf("time limit reached after %s (%d turns)", e.Elapsed.Round(time.Second), e.Turns)
	}
	return fmt.Sprintf("turn limit of %d reached", e.Turns)
}

func (e *BudgetError) Is(target error) bool { return target == ErrBudgetExceeded }

// VCSError wraps a failed git operation together with its combined output.
type VCSError struct {
	Op       string
	Output   string
	Conflict bool
	Err      error
}

func (e *VCSError) Error() string {
	msg := fmt.Sprintf("git %s: %v", e.Op, e.Err)
	if e.Conflict {
		msg = fmt.Sprintf("git %s: conflict: %v", e.Op, e.Err)
	}
	if out := lastLine(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *VCSError) Unwrap() error { return e.Err }

// ModelError means the LLM could not be reached or returned something unusable.
type ModelError struct {
	Provider string
	Err      error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// RetryAfter returns the back-off hint carried by an APIError in err's chain.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504, 529:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// IsConflict reports whether err is a VCS conflict or a status compare-and-set miss.
func IsConflict(err error) bool {
	var vcsErr *VCSError
	if errors.As(err, &vcsErr) && vcsErr.Conflict {
		return true
	}
	return errors.Is(err, ErrConflict)
}

// KindOf maps err onto the failure taxonomy.
func KindOf(err error) Kind {
	var (
		sbErr  *SandboxError
		vcsErr *VCSError
		mErr   *ModelError
	)
	switch {
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudget
	case errors.As(err, &sbErr):
		return KindSandbox
	case errors.As(err, &vcsErr):
		return KindVCS
	case errors.As(err, &mErr):
		return KindModel
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return KindTimeout
	default:
		return KindInternal
	}
}

const maxReasonLen = 500

// Reason renders err as the one-line string stored on terminal records.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	if len(msg) > maxReasonLen {
		msg = msg[:maxReasonLen] + "..."
	}
	return fmt.Sprintf("%s: %s", KindOf(err), msg)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
