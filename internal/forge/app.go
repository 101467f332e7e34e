// Package forge mints repository credentials from a GitHub App and
// answers small repository questions the workspace needs before cloning.
package forge

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/incept/pkg/tokenstore"
)

// tokens last one hour; refresh a little early.
const (
	tokenTTL     = time.Hour
	refreshEarly = 5 * time.Minute
)

// Client talks to GitHub as one App installation.
type Client struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	tokens         *tokenstore.Cache
	httpClient     *http.Client
	baseURL        *url.URL
	logger         zerolog.Logger
}

// NewClient creates a new GitHub App client.
func NewClient(appID, installationID int64, privateKeyPath string, store tokenstore.Store, logger zerolog.Logger) (*Client, error) {
	keyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	return NewClientFromKeyBytes(appID, installationID, keyData, store, logger)
}

// NewClientFromKeyBytes creates a client from PEM key bytes.
func NewClientFromKeyBytes(appID, installationID int64, keyData []byte, store tokenstore.Store, logger zerolog.Logger) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	return &Client{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		tokens:         tokenstore.NewCache(store, refreshEarly),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger.With().Str("component", "forge").Int64("installation_id", installationID).Logger(),
	}, nil
}

// SetBaseURL points the client at a GitHub Enterprise or test server.
func (c *Client) SetBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimSuffix(raw, "/") + "/")
	if err != nil {
		return fmt.Errorf("parsing base url: %w", err)
	}
	c.baseURL = u
	return nil
}

func (c *Client) generateJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", c.appID),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return signed, nil
}

// api returns a go-github client whose requests carry the given
// authorization header value.
func (c *Client) api(auth string) *github.Client {
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	gh := github.NewClient(&http.Client{
		Transport: &authTransport{auth: auth, base: base},
		Timeout:   c.httpClient.Timeout,
	})
	if c.baseURL != nil {
		gh.BaseURL = c.baseURL
	}
	return gh
}

type authTransport struct {
	auth string
	base http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", t.auth)
	return t.base.RoundTrip(req2)
}
