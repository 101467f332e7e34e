package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// OrgInstallation pairs an org name with its GitHub App installation ID.
type OrgInstallation struct {
	Owner          string
	InstallationID int64
}

// Config holds all process configuration loaded from environment variables.
// Prompt text and agent budgets are not here; they live in the hot-reloadable
// prompts file (see internal/prompts).
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage
	DataDir string `envconfig:"INCEPT_DATA_DIR" default:"./data"`
	DBPath  string `envconfig:"INCEPT_DB_PATH"` // defaults to <DataDir>/incept.db

	// Request logs of finished requests older than this are dropped.
	LogRetention time.Duration `envconfig:"INCEPT_LOG_RETENTION" default:"720h"`

	// Request processor
	PollInterval   time.Duration `envconfig:"INCEPT_POLL_INTERVAL" default:"5s"`
	Workers        int           `envconfig:"INCEPT_WORKERS" default:"4"`
	MaxTurns       int           `envconfig:"INCEPT_MAX_TURNS" default:"50"`
	SessionTimeout time.Duration `envconfig:"INCEPT_SESSION_TIMEOUT" default:"30m"`
	GitTimeout     time.Duration `envconfig:"INCEPT_GIT_TIMEOUT" default:"5m"`
	CommitPartial  bool          `envconfig:"INCEPT_COMMIT_PARTIAL" default:"false"`
	PromptsFile    string        `envconfig:"INCEPT_PROMPTS_FILE"`

	// Models
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY"`
	DefaultModel    string `envconfig:"INCEPT_DEFAULT_MODEL" default:"claude-sonnet-4-20250514"`

	// GitHub App (optional; projects may carry their own token instead)
	GitHubAppID          int64  `envconfig:"GITHUB_APP_ID"`
	GitHubInstallationID int64  `envconfig:"GITHUB_INSTALLATION_ID"`
	GitHubPrivateKeyPath string `envconfig:"GITHUB_PRIVATE_KEY_PATH"`

	// Multi-org: comma-separated "owner:installationID" pairs.
	// Overrides GitHubInstallationID when set.
	GitHubOrgs string `envconfig:"GITHUB_ORGS"`

	// Slack notifications (optional)
	SlackBotToken string `envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel  string `envconfig:"SLACK_CHANNEL"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtReadKey        string `envconfig:"MGMT_READ_KEY"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"50"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"100"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`

	// Auto-mode
	AutoPollInterval  time.Duration `envconfig:"AUTO_POLL_INTERVAL" default:"10s"`
	AutoApprovePolicy string        `envconfig:"AUTO_APPROVE_POLICY" default:"auto"` // auto | manual | threshold
	AutoMaxPriority   int           `envconfig:"AUTO_MAX_PRIORITY" default:"3"`
}

// DatabasePath returns DBPath, or the default location under DataDir.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "incept.db")
}

// WorkspaceRoot is where working trees of projects without a local path live.
func (c *Config) WorkspaceRoot() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// GitHubEnabled returns true if GitHub App credentials are configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubAppID > 0 && c.GitHubPrivateKeyPath != ""
}

// ParseGitHubOrgs parses GITHUB_ORGS into an OrgInstallation list.
// Format: "owner1:installationID1,owner2:installationID2"
// Falls back to single-org (GitHubInstallationID) if GITHUB_ORGS is empty.
func (c *Config) ParseGitHubOrgs() ([]OrgInstallation, error) {
	if c.GitHubOrgs != "" {
		return parseOrgInstallations(c.GitHubOrgs)
	}
	if c.GitHubInstallationID > 0 {
		return []OrgInstallation{{Owner: "default", InstallationID: c.GitHubInstallationID}}, nil
	}
	return nil, fmt.Errorf("no GitHub installations configured")
}

func parseOrgInstallations(raw string) ([]OrgInstallation, error) {
	parts := strings.Split(raw, ",")
	orgs := make([]OrgInstallation, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokens := strings.SplitN(part, ":", 2)
		if len(tokens) != 2 {
			return nil, fmt.Errorf("invalid org format %q, expected owner:installationID", part)
		}
		owner := strings.TrimSpace(tokens[0])
		id, err := strconv.ParseInt(strings.TrimSpace(tokens[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid installation ID for %q: %w", owner, err)
		}
		orgs = append(orgs, OrgInstallation{Owner: owner, InstallationID: id})
	}
	if len(orgs) == 0 {
		return nil, fmt.Errorf("GITHUB_ORGS is set but contains no valid entries")
	}
	return orgs, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("INCEPT_WORKERS must be >= 1, got %d", c.Workers)
	}
	if c.MaxTurns < 1 {
		return fmt.Errorf("INCEPT_MAX_TURNS must be >= 1, got %d", c.MaxTurns)
	}
	if c.PollInterval <= 0 || c.AutoPollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	switch c.AutoApprovePolicy {
	case "auto", "manual", "threshold":
	default:
		return fmt.Errorf("AUTO_APPROVE_POLICY must be auto, manual or threshold, got %q", c.AutoApprovePolicy)
	}
	if c.MgmtAuthMode == "api-key" && c.MgmtAPIKey == "" && c.Environment != "development" {
		return fmt.Errorf("MGMT_API_KEY is required outside development")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		if prefix == "" {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
