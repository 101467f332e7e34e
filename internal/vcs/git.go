// Package vcs makes sandbox edits durable and reversible: it prepares a
// project's working tree, commits, pushes and reverts through the git CLI.
// History is never rewritten; a rollback is a new commit.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/incept/internal/errors"
)

// Identity is the author and committer of every commit the pipeline makes.
type Identity struct {
	Name  string
	Email string
}

// DefaultIdentity is used when no identity is configured.
var DefaultIdentity = Identity{Name: "Inception System", Email: "incept@inception-system.local"}

// Remote describes where a working tree is synced from and pushed to.
// An empty URL means a local-only project.
type Remote struct {
	URL    string
	Branch string
	Token  string
}

// Commit is a created commit and the paths it touched.
type Commit struct {
	SHA   string
	Files []string
}

// Adapter runs git operations against working trees.
type Adapter struct {
	runner         Runner
	identity       Identity
	networkTimeout time.Duration
	logger         zerolog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithIdentity(id Identity) Option { return func(a *Adapter) { a.identity = id } }

// WithNetworkTimeout bounds clone, fetch and push.
func WithNetworkTimeout(d time.Duration) Option { return func(a *Adapter) { a.networkTimeout = d } }

func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l.With().Str("component", "vcs").Logger() }
}

// New creates an Adapter. A nil runner means ExecRunner.
func New(runner Runner, opts ...Option) *Adapter {
	if runner == nil {
		runner = ExecRunner{}
	}
	a := &Adapter{
		runner:         runner,
		identity:       DefaultIdentity,
		networkTimeout: 5 * time.Minute,
		logger:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// IsRepo reports whether dir is the top of a git working tree.
func IsRepo(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// Prepare makes dir a clean checkout of remote.Branch. A missing tree is
// cloned; an existing one is fetched and fast-forwarded. Uncommitted changes
// are stashed, never discarded.
func (a *Adapter) Prepare(ctx context.Context, dir string, remote Remote) error {
	if !IsRepo(dir) {
		if remote.URL == "" {
			return a.initLocal(ctx, dir, remote.Branch)
		}
		return a.clone(ctx, dir, remote)
	}

	if err := a.stashIfDirty(ctx, dir); err != nil {
		return err
	}
	if remote.URL == "" {
		if remote.Branch == "" {
			return nil
		}
		// Local trees may sit on an unborn or differently named branch;
		// only switch when the configured one exists.
		if _, err := a.git(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+remote.Branch); err != nil {
			return nil
		}
		_, err := a.git(ctx, dir, "checkout", remote.Branch)
		return err
	}

	branch := remote.Branch
	if branch == "" {
		return &perrors.VCSError{Op: "fetch", Err: fmt.Errorf("%w: no branch configured", perrors.ErrInvalidInput)}
	}
	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)
	if _, err := a.network(ctx, dir, remote, "fetch", authURL(remote), refspec); err != nil {
		return err
	}
	upstream := "refs/remotes/origin/" + branch
	if _, err := a.git(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err != nil {
		_, err = a.git(ctx, dir, "checkout", "-b", branch, upstream)
		return err
	}
	if _, err := a.git(ctx, dir, "checkout", branch); err != nil {
		return err
	}
	// Fast-forward only: local commits that never reached the remote (a failed
	// push) are kept, and a diverged branch fails the request instead.
	_, err := a.git(ctx, dir, "merge", "--ff-only", upstream)
	return err
}

func (a *Adapter) clone(ctx context.Context, dir string, remote Remote) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return &perrors.VCSError{Op: "clone", Err: err}
	}
	args := []string{"clone", "--no-tags"}
	if remote.Branch != "" {
		args = append(args, "--branch", remote.Branch)
	}
	args = append(args, authURL(remote), dir)
	if _, err := a.network(ctx, filepath.Dir(dir), remote, args...); err != nil {
		return err
	}
	// Keep the credential out of .git/config.
	if _, err := a.git(ctx, dir, "remote", "set-url", "origin", remote.URL); err != nil {
		return err
	}
	a.logger.Info().Str("dir", dir).Str("branch", remote.Branch).Msg("cloned working tree")
	return nil
}

func (a *Adapter) initLocal(ctx context.Context, dir, branch string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &perrors.VCSError{Op: "init", Err: err}
	}
	if branch == "" {
		branch = "main"
	}
	if _, err := a.git(ctx, dir, "init", "--initial-branch", branch); err != nil {
		return err
	}
	a.logger.Info().Str("dir", dir).Msg("initialized local repository")
	return nil
}

func (a *Adapter) stashIfDirty(ctx context.Context, dir string) error {
	dirty, err := a.HasChanges(ctx, dir)
	if err != nil || !dirty {
		return err
	}
	msg := "incept: preserved uncommitted changes " + time.Now().UTC().Format(time.RFC3339)
	args := append(a.identityArgs(), "stash", "push", "--include-untracked", "-m", msg)
	if _, err := a.git(ctx, dir, args...); err != nil {
		return err
	}
	a.logger.Warn().Str("dir", dir).Msg("stashed uncommitted changes before preparing tree")
	return nil
}

// HasChanges reports whether the working tree differs from HEAD, including untracked files.
func (a *Adapter) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := a.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// Commit stages everything and commits it. It returns ErrNoChanges when there
// is nothing to commit.
func (a *Adapter) Commit(ctx context.Context, dir, message string) (*Commit, error) {
	if _, err := a.git(ctx, dir, "add", "-A"); err != nil {
		return nil, err
	}
	staged, err := a.hasStaged(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !staged {
		return nil, perrors.ErrNoChanges
	}
	return a.commitStaged(ctx, dir, message)
}

func (a *Adapter) hasStaged(ctx context.Context, dir string) (bool, error) {
	out, err := a.git(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

func (a *Adapter) commitStaged(ctx context.Context, dir, message string) (*Commit, error) {
	args := append(a.identityArgs(), "commit", "--no-verify", "-m", message)
	if _, err := a.git(ctx, dir, args...); err != nil {
		return nil, err
	}
	sha, err := a.Head(ctx, dir)
	if err != nil {
		return nil, err
	}
	out, err := a.git(ctx, dir, "diff-tree", "--root", "--no-commit-id", "--name-only", "-r", sha)
	if err != nil {
		return nil, err
	}
	return &Commit{SHA: sha, Files: splitLines(string(out))}, nil
}

func (a *Adapter) identityArgs() []string {
	return []string{
		"-c", "user.name=" + a.identity.Name,
		"-c", "user.email=" + a.identity.Email,
		"-c", "commit.gpgsign=false",
	}
}

// Head returns the full SHA of HEAD.
func (a *Adapter) Head(ctx context.Context, dir string) (string, error) {
	out, err := a.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// InHistory reports whether sha is a commit reachable from HEAD.
func (a *Adapter) InHistory(ctx context.Context, dir, sha string) (bool, error) {
	if _, err := a.git(ctx, dir, "cat-file", "-e", sha+"^{commit}"); err != nil {
		return false, nil
	}
	_, err := a.git(ctx, dir, "merge-base", "--is-ancestor", sha, "HEAD")
	if err != nil {
		var vErr *perrors.VCSError
		if errors.As(err, &vErr) && strings.TrimSpace(vErr.Output) == "" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PendingCommit returns the newest commit on HEAD that has not reached the
// remote-tracking branch and whose message contains marker, or "" if none.
func (a *Adapter) PendingCommit(ctx context.Context, dir, branch, marker string) (string, error) {
	out, err := a.git(ctx, dir, "log", "-n", "1", "--format=%H", "--fixed-strings", "--grep="+marker,
		"refs/remotes/origin/"+branch+"..HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Push publishes HEAD to remote.Branch. A failed push leaves the local
// commit in place.
func (a *Adapter) Push(ctx context.Context, dir string, remote Remote) error {
	if remote.URL == "" {
		return &perrors.VCSError{Op: "push", Err: fmt.Errorf("%w: project has no remote", perrors.ErrInvalidInput)}
	}
	if remote.Branch == "" {
		return &perrors.VCSError{Op: "push", Err: fmt.Errorf("%w: no branch configured", perrors.ErrInvalidInput)}
	}
	_, err := a.network(ctx, dir, remote, "push", authURL(remote), "HEAD:refs/heads/"+remote.Branch)
	if err == nil {
		a.logger.Info().Str("dir", dir).Str("branch", remote.Branch).Msg("pushed")
	}
	return err
}

// Revert creates a new commit inverting sha. On a conflict the revert is
// aborted and the tree is left as it was.
func (a *Adapter) Revert(ctx context.Context, dir, sha, message string) (*Commit, error) {
	if _, err := a.git(ctx, dir, "revert", "--no-commit", sha); err != nil {
		if _, abortErr := a.git(ctx, dir, "revert", "--abort"); abortErr != nil {
			a.logger.Error().Err(abortErr).Str("dir", dir).Msg("revert --abort failed")
			// Best effort: drop the partial revert from the index and tree.
			_, _ = a.git(ctx, dir, "reset", "--merge")
		}
		var vErr *perrors.VCSError
		if errors.As(err, &vErr) && isConflictOutput(vErr.Output) {
			vErr.Conflict = true
		}
		return nil, err
	}
	staged, err := a.hasStaged(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !staged {
		_, _ = a.git(ctx, dir, "revert", "--abort")
		return nil, &perrors.VCSError{Op: "revert", Err: fmt.Errorf("%w: reverting %s produces no change", perrors.ErrNoChanges, short(sha))}
	}
	return a.commitStaged(ctx, dir, message)
}

// git runs a local git command, wrapping failures as VCSError.
func (a *Adapter) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	out, err := a.runner.Run(ctx, dir, "git", args...)
	if err != nil {
		return out, &perrors.VCSError{Op: opName(args), Output: string(out), Err: err}
	}
	return out, nil
}

// network runs a git command that talks to the remote under the network
// timeout, classifying auth, rejection and timeout failures.
func (a *Adapter) network(ctx context.Context, dir string, remote Remote, args ...string) ([]byte, error) {
	nctx := ctx
	if a.networkTimeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, a.networkTimeout)
		defer cancel()
	}
	out, err := a.runner.Run(nctx, dir, "git", args...)
	if err == nil {
		return out, nil
	}
	output := redact(string(out), remote.Token)
	vErr := &perrors.VCSError{Op: opName(args), Output: output, Err: err}
	switch {
	case errors.Is(nctx.Err(), context.DeadlineExceeded):
		vErr.Err = fmt.Errorf("%w after %s", perrors.ErrTimeout, a.networkTimeout)
	case isAuthOutput(output):
		vErr.Err = perrors.ErrAuthFailure
	case isRejectedOutput(output):
		vErr.Err = fmt.Errorf("%w: remote rejected update (non-fast-forward)", perrors.ErrConflict)
		vErr.Conflict = true
	default:
		vErr.Err = errors.New(redact(err.Error(), remote.Token))
	}
	return out, vErr
}

// authURL embeds the token in https remotes. Other schemes are returned unchanged.
func authURL(r Remote) string {
	if r.Token == "" {
		return r.URL
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Scheme != "https" {
		return r.URL
	}
	u.User = url.UserPassword("x-access-token", r.Token)
	return u.String()
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

func opName(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return "git"
}

func isAuthOutput(out string) bool {
	lower := strings.ToLower(out)
	for _, s := range []string{"authentication failed", "could not read username", "permission denied", "returned error: 403", "invalid username or password"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func isRejectedOutput(out string) bool {
	return strings.Contains(out, "[rejected]") || strings.Contains(out, "non-fast-forward") || strings.Contains(out, "fetch first")
}

func isConflictOutput(out string) bool {
	return strings.Contains(out, "CONFLICT") || strings.Contains(out, "could not revert") || strings.Contains(out, "after resolving the conflicts")
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
