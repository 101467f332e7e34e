package forge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v60/github"

	perrors "github.com/p-blackswan/incept/internal/errors"
)

func repoTokenKey(installationID int64, owner, repo string) string {
	return fmt.Sprintf("forge:%d:%s/%s", installationID, strings.ToLower(owner), strings.ToLower(repo))
}

// RepoToken returns an installation token limited to one repository with
// contents write access. Tokens are cached until shortly before expiry.
func (c *Client) RepoToken(ctx context.Context, owner, repo string) (string, error) {
	return c.tokens.Get(ctx, repoTokenKey(c.installationID, owner, repo), func(ctx context.Context) (string, time.Time, error) {
		jwtToken, err := c.generateJWT()
		if err != nil {
			return "", time.Time{}, fmt.Errorf("generating JWT: %w", err)
		}

		opts := &github.InstallationTokenOptions{
			Repositories: []string{repo},
			Permissions: &github.InstallationPermissions{
				Contents: github.String("write"),
				Metadata: github.String("read"),
			},
		}
		tok, resp, err := c.api("Bearer "+jwtToken).Apps.CreateInstallationToken(ctx, c.installationID, opts)
		if err != nil {
			return "", time.Time{}, classify(resp, fmt.Errorf("creating installation token for %s/%s: %w", owner, repo, err))
		}

		expiresAt := tok.GetExpiresAt().Time
		if expiresAt.IsZero() {
			expiresAt = time.Now().Add(tokenTTL)
		}
		c.logger.Info().Str("repo", owner+"/"+repo).Time("expires_at", expiresAt).Msg("created repository token")
		return tok.GetToken(), expiresAt, nil
	})
}

// DefaultBranch asks GitHub for a repository's default branch.
func (c *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	token, err := c.RepoToken(ctx, owner, repo)
	if err != nil {
		return "", err
	}
	r, resp, err := c.api("token "+token).Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", classify(resp, fmt.Errorf("getting repository %s/%s: %w", owner, repo, err))
	}
	if r.GetDefaultBranch() == "" {
		return "", fmt.Errorf("%w: repository %s/%s has no default branch", perrors.ErrNotFound, owner, repo)
	}
	return r.GetDefaultBranch(), nil
}

func classify(resp *github.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("%w: %w", perrors.ErrUnavailable, err)
	}
	apiErr := perrors.NewAPIError("github", resp.StatusCode, http.StatusText(resp.StatusCode))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		apiErr.Err = fmt.Errorf("%w: %w", perrors.ErrAuthFailure, err)
	case http.StatusNotFound:
		apiErr.Err = fmt.Errorf("%w: %w", perrors.ErrNotFound, err)
	default:
		apiErr.Err = err
	}
	return apiErr
}
