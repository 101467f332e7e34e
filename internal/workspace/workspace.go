// Package workspace owns project working trees: where they live on disk,
// who may touch them, and bringing them up to date before a request runs.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/store"
	"github.com/p-blackswan/incept/internal/vcs"
)

// Credentials mints a push token for a repository URL.
type Credentials interface {
	TokenFor(ctx context.Context, repoURL string) (string, error)
}

// Manager hands out exclusive access to project working trees.
type Manager struct {
	root   string
	git    *vcs.Adapter
	creds  Credentials
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewManager creates a manager that keeps clones under root. creds may be
// nil, in which case only per-project tokens are used.
func NewManager(root string, git *vcs.Adapter, creds Credentials, logger zerolog.Logger) *Manager {
	return &Manager{
		root:   root,
		git:    git,
		creds:  creds,
		logger: logger.With().Str("component", "workspace").Logger(),
		locks:  make(map[string]chan struct{}),
	}
}

// Dir is the project's working tree: its configured local path, or a
// managed clone under the workspace root.
func (m *Manager) Dir(p *store.Project) string {
	if p.LocalPath != "" {
		return p.LocalPath
	}
	return filepath.Join(m.root, p.ID)
}

func (m *Manager) lockFor(projectID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[projectID]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[projectID] = l
	}
	return l
}

// Acquire blocks until the caller holds the project's tree or ctx ends.
// The processor and the tracker both mutate trees, so they share this lock.
func (m *Manager) Acquire(ctx context.Context, projectID string) (release func(), err error) {
	l := m.lockFor(projectID)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-l }) }, nil
}

// Remote resolves the sync target for a project, minting a token from the
// configured credentials when the project has none of its own.
func (m *Manager) Remote(ctx context.Context, p *store.Project) (vcs.Remote, error) {
	r := vcs.Remote{URL: p.RepoURL, Branch: p.Branch, Token: p.Token}
	if r.URL == "" || r.Token != "" || m.creds == nil {
		return r, nil
	}
	tok, err := m.creds.TokenFor(ctx, r.URL)
	if err != nil {
		return r, &perrors.VCSError{Op: "credentials", Err: err}
	}
	r.Token = tok
	return r, nil
}

// Prepare brings the project's tree to a clean checkout of its branch and
// returns the directory and remote. Callers must hold the project lock.
func (m *Manager) Prepare(ctx context.Context, p *store.Project) (string, vcs.Remote, error) {
	remote, err := m.Remote(ctx, p)
	if err != nil {
		return "", remote, err
	}
	dir := m.Dir(p)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", remote, fmt.Errorf("creating workspace parent: %w", err)
	}
	if err := m.git.Prepare(ctx, dir, remote); err != nil {
		return "", remote, err
	}
	m.logger.Debug().Str("project_id", p.ID).Str("dir", dir).Str("branch", remote.Branch).Msg("working tree prepared")
	return dir, remote, nil
}
