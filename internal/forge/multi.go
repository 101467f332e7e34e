package forge

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/pkg/tokenstore"
)

// OrgInstallation maps an org/owner name to its installation ID.
type OrgInstallation struct {
	Owner          string `json:"owner"`
	InstallationID int64  `json:"installation_id"`
}

// MultiClient manages multiple GitHub App installations (one per org).
// Clients are created lazily and cached.
type MultiClient struct {
	appID     int64
	keyPath   string
	keyData   []byte
	baseURL   string
	store     tokenstore.Store
	logger    zerolog.Logger
	mu        sync.RWMutex
	orgs      map[string]int64   // owner → installationID
	clients   map[string]*Client // owner → Client (lazy)
	fallback  string
	singleOrg bool // any owner maps to the fallback installation
}

// MultiOption configures a MultiClient.
type MultiOption func(*MultiClient)

// WithKeyData supplies the PEM key directly instead of reading keyPath.
func WithKeyData(pem []byte) MultiOption {
	return func(m *MultiClient) { m.keyData = pem }
}

// WithBaseURL points every client at another API root.
func WithBaseURL(u string) MultiOption {
	return func(m *MultiClient) { m.baseURL = u }
}

// NewMultiClient creates a MultiClient from a list of org installations.
// The first org in the list becomes the default fallback.
func NewMultiClient(appID int64, keyPath string, orgs []OrgInstallation, store tokenstore.Store, logger zerolog.Logger, opts ...MultiOption) (*MultiClient, error) {
	if len(orgs) == 0 {
		return nil, fmt.Errorf("at least one org installation is required")
	}
	orgMap := make(map[string]int64, len(orgs))
	for _, o := range orgs {
		orgMap[strings.ToLower(o.Owner)] = o.InstallationID
	}
	m := &MultiClient{
		appID:     appID,
		keyPath:   keyPath,
		store:     store,
		logger:    logger.With().Str("component", "forge-multi").Logger(),
		orgs:      orgMap,
		clients:   make(map[string]*Client, len(orgs)),
		fallback:  strings.ToLower(orgs[0].Owner),
		singleOrg: len(orgs) == 1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ForOwner returns the Client for a specific org/owner.
func (m *MultiClient) ForOwner(owner string) (*Client, error) {
	key := strings.ToLower(owner)

	m.mu.RLock()
	if c, ok := m.clients[key]; ok {
		m.mu.RUnlock()
		return c, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[key]; ok {
		return c, nil
	}

	instID, ok := m.orgs[key]
	if !ok {
		if !m.singleOrg {
			return nil, fmt.Errorf("%w: no GitHub installation configured for org %q (configured: %s)",
				perrors.ErrAuthFailure, owner, m.listOrgs())
		}
		instID = m.orgs[m.fallback]
	}

	var client *Client
	var err error
	if m.keyData != nil {
		client, err = NewClientFromKeyBytes(m.appID, instID, m.keyData, m.store, m.logger)
	} else {
		client, err = NewClient(m.appID, instID, m.keyPath, m.store, m.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", owner, err)
	}
	if m.baseURL != "" {
		if err := client.SetBaseURL(m.baseURL); err != nil {
			return nil, err
		}
	}
	m.clients[key] = client
	m.logger.Info().Str("owner", owner).Int64("installation_id", instID).Msg("GitHub client created for org")
	return client, nil
}

// TokenFor returns a push-capable token for a repository URL. It is the
// credential source the workspace falls back to when a project carries no
// token of its own.
func (m *MultiClient) TokenFor(ctx context.Context, repoURL string) (string, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return "", err
	}
	c, err := m.ForOwner(owner)
	if err != nil {
		return "", err
	}
	return c.RepoToken(ctx, owner, repo)
}

// DefaultBranch returns the default branch of a repository URL.
func (m *MultiClient) DefaultBranch(ctx context.Context, repoURL string) (string, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return "", err
	}
	c, err := m.ForOwner(owner)
	if err != nil {
		return "", err
	}
	return c.DefaultBranch(ctx, owner, repo)
}

// Owners returns all configured org names.
func (m *MultiClient) Owners() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owners := make([]string, 0, len(m.orgs))
	for o := range m.orgs {
		owners = append(owners, o)
	}
	return owners
}

func (m *MultiClient) listOrgs() string {
	return strings.Join(m.Owners(), ", ")
}

// ParseRepoURL extracts owner and repository name from an https or scp-like
// GitHub remote URL.
func ParseRepoURL(raw string) (owner, repo string, err error) {
	raw = strings.TrimSpace(raw)
	var path string
	switch {
	case strings.HasPrefix(raw, "git@"):
		i := strings.Index(raw, ":")
		if i < 0 {
			return "", "", fmt.Errorf("%w: bad remote %q", perrors.ErrInvalidInput, raw)
		}
		path = raw[i+1:]
	default:
		u, perr := url.Parse(raw)
		if perr != nil || u.Host == "" {
			return "", "", fmt.Errorf("%w: bad remote %q", perrors.ErrInvalidInput, raw)
		}
		path = u.Path
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: remote %q is not owner/repo", perrors.ErrInvalidInput, raw)
	}
	return parts[0], parts[1], nil
}
