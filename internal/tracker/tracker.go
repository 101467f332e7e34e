// Package tracker turns successful requests into improvements and owns
// rollback through revert commits.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/metrics"
	"github.com/p-blackswan/incept/internal/notify"
	"github.com/p-blackswan/incept/internal/store"
	"github.com/p-blackswan/incept/internal/vcs"
)

// Git is the part of the version control adapter the tracker needs.
type Git interface {
	Revert(ctx context.Context, dir, sha, message string) (*vcs.Commit, error)
	Push(ctx context.Context, dir string, remote vcs.Remote) error
	InHistory(ctx context.Context, dir, sha string) (bool, error)
	PendingCommit(ctx context.Context, dir, branch, marker string) (string, error)
}

// Workspace hands out exclusive, up-to-date working trees.
type Workspace interface {
	Acquire(ctx context.Context, projectID string) (func(), error)
	Prepare(ctx context.Context, p *store.Project) (string, vcs.Remote, error)
}

// OutcomeFunc observes whether a suggestion's request succeeded.
type OutcomeFunc func(sg *store.Suggestion, successful bool)

// Tracker records improvements and reverts them.
type Tracker struct {
	store     *store.Store
	git       Git
	ws        Workspace
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	onOutcome OutcomeFunc
	logger    zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithNotifier(n notify.Notifier) Option { return func(t *Tracker) { t.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(t *Tracker) { t.metrics = m } }

// WithOutcome registers a hook called when a suggestion's request ends.
func WithOutcome(fn OutcomeFunc) Option { return func(t *Tracker) { t.onOutcome = fn } }

// New creates a Tracker.
func New(st *store.Store, git Git, ws Workspace, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:    st,
		git:      git,
		ws:       ws,
		notifier: notify.Noop{},
		logger:   logger.With().Str("component", "tracker").Logger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Finalize reacts to a request that just reached a terminal status. A
// completed request with a commit becomes an improvement, and its
// suggestion, if any, becomes implemented in the same transaction. Any
// other outcome hands the suggestion back to accepted.
func (t *Tracker) Finalize(ctx context.Context, r *store.Request, commit *vcs.Commit) (*store.Improvement, error) {
	var sg *store.Suggestion
	if r.SuggestionID != "" {
		var err error
		sg, err = t.store.GetSuggestion(ctx, r.SuggestionID)
		if err != nil {
			return nil, fmt.Errorf("loading suggestion: %w", err)
		}
	}

	success := r.Status == store.RequestCompleted && commit != nil && commit.SHA != ""
	if sg != nil && t.onOutcome != nil {
		t.onOutcome(sg, success)
	}

	if !success {
		if sg != nil {
			if err := t.store.ReleaseSuggestion(ctx, sg.ID, r.ID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	title := firstLine(r.Text, 80)
	if sg != nil {
		title = sg.Title
	}
	imp, err := t.store.RecordImprovement(ctx, store.NewImprovement{
		ProjectID:    r.ProjectID,
		RequestID:    r.ID,
		SuggestionID: r.SuggestionID,
		Title:        title,
		FeatureFlag:  FeatureFlagName(r.ID, title),
		CommitSHA:    commit.SHA,
		Files:        commit.Files,
	})
	if err != nil {
		return nil, fmt.Errorf("recording improvement: %w", err)
	}
	t.logger.Info().Str("request_id", r.ID).Str("improvement_id", imp.ID).
		Str("flag", imp.FeatureFlag).Int("files", len(imp.Files)).Msg("improvement recorded")
	return imp, nil
}

// RollbackResult describes a finished rollback.
type RollbackResult struct {
	Improvement *store.Improvement `json:"improvement"`
	RevertSHA   string             `json:"revert_sha,omitempty"`
	Noop        bool               `json:"noop"`
}

// RollbackError is a rollback whose revert commit was made but not pushed.
// The commit stays in the local tree and the improvement stays enabled; the
// next rollback of the same improvement pushes that commit instead of
// reverting again.
type RollbackError struct {
	RevertSHA string
	Err       error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("revert %s not pushed: %v", shortSHA(e.RevertSHA), e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// Rollback reverts an improvement's commit with a new commit. Rolling back
// an already disabled improvement is a no-op. When the revert fails the
// improvement stays enabled and the error carries the reason.
func (t *Tracker) Rollback(ctx context.Context, improvementID string) (*RollbackResult, error) {
	imp, err := t.store.GetImprovement(ctx, improvementID)
	if err != nil {
		return nil, err
	}
	if !imp.Enabled {
		t.record("noop")
		return &RollbackResult{Improvement: imp, RevertSHA: imp.RevertSHA, Noop: true}, nil
	}

	p, err := t.store.GetProject(ctx, imp.ProjectID)
	if err != nil {
		return nil, err
	}

	release, err := t.ws.Acquire(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Another rollback may have won while we waited for the tree.
	imp, err = t.store.GetImprovement(ctx, improvementID)
	if err != nil {
		return nil, err
	}
	if !imp.Enabled {
		t.record("noop")
		return &RollbackResult{Improvement: imp, RevertSHA: imp.RevertSHA, Noop: true}, nil
	}

	log := t.logger.With().Str("improvement_id", imp.ID).Str("project_id", p.ID).Str("commit", imp.CommitSHA).Logger()

	dir, remote, err := t.ws.Prepare(ctx, p)
	if err != nil {
		return nil, t.fail(ctx, p, imp, fmt.Errorf("preparing working tree: %w", err))
	}

	marker := "Improvement: " + imp.ID
	var revertSHA string
	if remote.URL != "" {
		// A previous attempt may have committed the revert and failed to push.
		revertSHA, err = t.git.PendingCommit(ctx, dir, remote.Branch, marker)
		if err != nil {
			return nil, t.fail(ctx, p, imp, err)
		}
	}
	if revertSHA == "" {
		msg := fmt.Sprintf("Revert %q\n\nThis reverts commit %s.\n%s", imp.Title, imp.CommitSHA, marker)
		revert, err := t.git.Revert(ctx, dir, imp.CommitSHA, msg)
		if err != nil {
			log.Warn().Err(err).Msg("revert failed, improvement stays enabled")
			return nil, t.fail(ctx, p, imp, err)
		}
		revertSHA = revert.SHA
	} else {
		log.Info().Str("revert", revertSHA).Msg("pushing revert left by an earlier attempt")
	}

	if remote.URL != "" {
		if err := t.git.Push(ctx, dir, remote); err != nil {
			log.Warn().Err(err).Str("revert", revertSHA).Msg("revert committed but push failed, improvement stays enabled")
			return nil, t.fail(ctx, p, imp, &RollbackError{RevertSHA: revertSHA, Err: err})
		}
	}

	if err := t.store.DisableImprovement(ctx, imp.ID, revertSHA); err != nil {
		return nil, fmt.Errorf("disabling improvement after revert %s: %w", revertSHA, err)
	}
	imp.Enabled = false
	imp.RevertSHA = revertSHA

	t.record("reverted")
	log.Info().Str("revert", revertSHA).Msg("improvement rolled back")
	t.notifier.RollbackFinished(ctx, p, imp, nil)
	return &RollbackResult{Improvement: imp, RevertSHA: revertSHA}, nil
}

func (t *Tracker) fail(ctx context.Context, p *store.Project, imp *store.Improvement, err error) error {
	var vcsErr *perrors.VCSError
	if errors.As(err, &vcsErr) && vcsErr.Conflict {
		t.record("conflict")
	} else {
		t.record("error")
	}
	t.notifier.RollbackFinished(ctx, p, imp, err)
	return err
}

func (t *Tracker) record(result string) {
	if t.metrics != nil {
		t.metrics.RecordRollback(result)
	}
}

// Verify reports whether an improvement's commit is in its project's
// history.
func (t *Tracker) Verify(ctx context.Context, improvementID string) (bool, error) {
	imp, err := t.store.GetImprovement(ctx, improvementID)
	if err != nil {
		return false, err
	}
	p, err := t.store.GetProject(ctx, imp.ProjectID)
	if err != nil {
		return false, err
	}
	release, err := t.ws.Acquire(ctx, p.ID)
	if err != nil {
		return false, err
	}
	defer release()

	dir, _, err := t.ws.Prepare(ctx, p)
	if err != nil {
		return false, err
	}
	return t.git.InHistory(ctx, dir, imp.CommitSHA)
}

// Summary aggregates a project's improvements.
func (t *Tracker) Summary(ctx context.Context, projectID string) (*store.ImprovementSummary, error) {
	return t.store.SummarizeImprovements(ctx, projectID)
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// FeatureFlagName derives the flag an improvement would be toggled by:
// incept_plus_<short id>_<snake case title, at most 30 chars>.
func FeatureFlagName(requestID, title string) string {
	snake := strings.Trim(nonWord.ReplaceAllString(strings.ToLower(title), "_"), "_")
	if len(snake) > 30 {
		snake = strings.TrimRight(snake[:30], "_")
	}
	if snake == "" {
		snake = "change"
	}
	return fmt.Sprintf("incept_plus_%s_%s", store.ShortID(requestID), snake)
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}
