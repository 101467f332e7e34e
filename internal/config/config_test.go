// Package config tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 50, cfg.MaxTurns)
	assert.False(t, cfg.CommitPartial)
	assert.Equal(t, ":8090", cfg.MgmtListenAddr)
	assert.Equal(t, "auto", cfg.AutoApprovePolicy)
	assert.Equal(t, filepath.Join("data", "incept.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("data", "workspaces"), cfg.WorkspaceRoot())
}

func TestLoad_Overrides(t *testing.T) {
	os.Clearenv()
	t.Setenv("INCEPT_WORKERS", "8")
	t.Setenv("INCEPT_SESSION_TIMEOUT", "90s")
	t.Setenv("INCEPT_DB_PATH", "/var/lib/incept/x.db")
	t.Setenv("INCEPT_COMMIT_PARTIAL", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.SessionTimeout)
	assert.Equal(t, "/var/lib/incept/x.db", cfg.DatabasePath())
	assert.True(t, cfg.CommitPartial)
}

func TestLoad_InvalidWorkers(t *testing.T) {
	os.Clearenv()
	t.Setenv("INCEPT_WORKERS", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INCEPT_WORKERS")
}

func TestLoad_InvalidPolicy(t *testing.T) {
	os.Clearenv()
	t.Setenv("AUTO_APPROVE_POLICY", "yolo")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_ProductionNeedsAPIKey(t *testing.T) {
	os.Clearenv()
	t.Setenv("ENVIRONMENT", "production")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("MGMT_API_KEY", "secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.MgmtAPIKey)
}

func TestEnabledFlags(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.SlackEnabled())
	assert.False(t, cfg.GitHubEnabled())

	cfg.SlackBotToken = "xoxb"
	cfg.SlackChannel = "#incept"
	cfg.GitHubAppID = 1
	cfg.GitHubPrivateKeyPath = "/tmp/key.pem"
	assert.True(t, cfg.SlackEnabled())
	assert.True(t, cfg.GitHubEnabled())
}

func TestParseGitHubOrgs(t *testing.T) {
	cfg := &Config{GitHubOrgs: "acme:111, other:222"}
	orgs, err := cfg.ParseGitHubOrgs()
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, "acme", orgs[0].Owner)
	assert.Equal(t, int64(222), orgs[1].InstallationID)

	cfg = &Config{GitHubInstallationID: 5}
	orgs, err = cfg.ParseGitHubOrgs()
	require.NoError(t, err)
	assert.Equal(t, "default", orgs[0].Owner)

	cfg = &Config{GitHubOrgs: "broken"}
	_, err = cfg.ParseGitHubOrgs()
	assert.Error(t, err)

	cfg = &Config{}
	_, err = cfg.ParseGitHubOrgs()
	assert.Error(t, err)
}
