package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/incept/internal/automode"
	"github.com/p-blackswan/incept/internal/config"
	"github.com/p-blackswan/incept/internal/forge"
	"github.com/p-blackswan/incept/internal/health"
	"github.com/p-blackswan/incept/internal/llm"
	"github.com/p-blackswan/incept/internal/metrics"
	"github.com/p-blackswan/incept/internal/mgmt"
	"github.com/p-blackswan/incept/internal/notify"
	"github.com/p-blackswan/incept/internal/policy"
	"github.com/p-blackswan/incept/internal/processor"
	"github.com/p-blackswan/incept/internal/prompts"
	"github.com/p-blackswan/incept/internal/session"
	"github.com/p-blackswan/incept/internal/store"
	"github.com/p-blackswan/incept/internal/suggest"
	"github.com/p-blackswan/incept/internal/tracker"
	"github.com/p-blackswan/incept/internal/vcs"
	"github.com/p-blackswan/incept/internal/workspace"
	"github.com/p-blackswan/incept/pkg/tokenstore"
)

const retentionInterval = 6 * time.Hour

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("data_dir", cfg.DataDir).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Int("workers", cfg.Workers).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Bool("github_enabled", cfg.GitHubEnabled()).
		Msg("starting incept")

	if err := os.MkdirAll(cfg.WorkspaceRoot(), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create data dir")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(cfg.DatabasePath(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	// Prompts and budgets
	base := prompts.Defaults()
	base.MaxTurns = cfg.MaxTurns
	base.MaxDuration = cfg.SessionTimeout
	promptStore, err := prompts.NewStore(cfg.PromptsFile, base, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load prompts")
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init model providers")
	}

	// Repository side
	git := vcs.New(nil, vcs.WithNetworkTimeout(cfg.GitTimeout), vcs.WithLogger(logger))
	ws := workspace.NewManager(cfg.WorkspaceRoot(), git, newCredentials(cfg, logger), logger)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.SlackEnabled() {
		notifier = notify.NewSlack(cfg.SlackBotToken, cfg.SlackChannel, logger)
		logger.Info().Str("channel", cfg.SlackChannel).Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack not configured, notifications disabled")
	}
	m := metrics.New()

	approval, err := policy.New(cfg.AutoApprovePolicy, cfg.AutoMaxPriority, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid approval policy")
	}

	// Pipeline
	track := tracker.New(db, git, ws, logger,
		tracker.WithNotifier(notifier),
		tracker.WithMetrics(m),
		tracker.WithOutcome(func(sg *store.Suggestion, ok bool) { approval.Feedback(sg.Category, ok) }),
	)
	suggester := suggest.New(provider, db, promptStore, cfg.DefaultModel, logger)
	proc := processor.New(db, ws, git, session.NewDriver(provider, logger), promptStore, track, processor.Options{
		PollInterval:  cfg.PollInterval,
		Workers:       cfg.Workers,
		DefaultModel:  cfg.DefaultModel,
		CommitPartial: cfg.CommitPartial,
	}, logger, processor.WithNotifier(notifier), processor.WithMetrics(m))
	auto := automode.New(db, suggester, approval, cfg.AutoPollInterval, logger,
		automode.WithNotifier(notifier),
		automode.WithMetrics(m),
	)

	checker := health.NewChecker(logger)
	checker.Register("database", health.PingCheck(db.DB()))
	checker.Register("git", health.BinaryCheck("git"))
	checker.Register("processor", health.HeartbeatCheck(proc.LastPoll, 3*cfg.PollInterval))
	checker.Register("automode", health.HeartbeatCheck(auto.LastTick, 3*cfg.AutoPollInterval))

	server := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:    cfg.MgmtAuthMode,
			APIKey:  cfg.MgmtAPIKey,
			ReadKey: cfg.MgmtReadKey,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
	}, mgmt.Deps{
		Store:     db,
		Suggester: suggester,
		Tracker:   track,
		AutoMode:  auto,
		Checker:   checker,
		Metrics:   m,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return auto.Run(gctx) })
	g.Go(func() error {
		if err := promptStore.Watch(gctx); err != nil {
			logger.Warn().Err(err).Msg("prompts hot reload disabled")
		}
		return nil
	})
	g.Go(func() error {
		runRetention(gctx, db, cfg.LogRetention, logger)
		return nil
	})
	g.Go(func() error { return server.Start() })
	g.Go(func() error {
		<-gctx.Done()
		return server.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("incept stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("incept stopped")
}

// newProvider routes claude-* models to Anthropic and gemini-* models to
// Gemini. The provider of the default model also serves unmatched names.
func newProvider(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*llm.Router, error) {
	var anthropic, gemini llm.Provider
	if cfg.AnthropicAPIKey != "" {
		anthropic = llm.NewAnthropicProvider(cfg.AnthropicAPIKey, llm.WithLogger(logger))
	}
	if cfg.GeminiAPIKey != "" {
		p, err := llm.NewGeminiProvider(ctx, cfg.GeminiAPIKey, logger)
		if err != nil {
			return nil, err
		}
		gemini = p
	}
	if anthropic == nil && gemini == nil {
		return nil, errors.New("set ANTHROPIC_API_KEY or GEMINI_API_KEY")
	}

	fallback := anthropic
	if fallback == nil || (gemini != nil && strings.HasPrefix(cfg.DefaultModel, "gemini-")) {
		fallback = gemini
	}
	router := llm.NewRouter(fallback)
	if anthropic != nil {
		router.Handle("claude-", anthropic)
	}
	if gemini != nil {
		router.Handle("gemini-", gemini)
	}
	return router, nil
}

// newCredentials returns GitHub App credentials, or nil when projects carry
// their own tokens.
func newCredentials(cfg *config.Config, logger zerolog.Logger) workspace.Credentials {
	if !cfg.GitHubEnabled() {
		logger.Info().Msg("GitHub App not configured, using per-project tokens")
		return nil
	}
	orgs, err := cfg.ParseGitHubOrgs()
	if err != nil {
		logger.Warn().Err(err).Msg("GitHub App configured without installations (non-fatal)")
		return nil
	}
	installs := make([]forge.OrgInstallation, len(orgs))
	for i, o := range orgs {
		installs[i] = forge.OrgInstallation{Owner: o.Owner, InstallationID: o.InstallationID}
	}
	mc, err := forge.NewMultiClient(cfg.GitHubAppID, cfg.GitHubPrivateKeyPath, installs, tokenstore.NewMemoryStore(), logger)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to init GitHub App client (non-fatal)")
		return nil
	}
	logger.Info().Strs("owners", mc.Owners()).Msg("GitHub App credentials enabled")
	return mc
}

func runRetention(ctx context.Context, db *store.Store, keep time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		n, err := db.RunRetention(ctx, keep)
		if err != nil {
			logger.Warn().Err(err).Msg("retention failed")
		} else if n > 0 {
			logger.Info().Int64("deleted", n).Msg("old request logs removed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
