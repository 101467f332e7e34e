package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/incept/internal/store"
)

// SlackAPI abstracts the Slack client for testing.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts notifications to one channel.
type Slack struct {
	api     SlackAPI
	channel string
	logger  zerolog.Logger
}

// NewSlack creates a Slack notifier from a bot token.
func NewSlack(botToken, channel string, logger zerolog.Logger) *Slack {
	return NewSlackWithAPI(slack.New(botToken), channel, logger)
}

// NewSlackWithAPI creates a Slack notifier around an existing client.
func NewSlackWithAPI(api SlackAPI, channel string, logger zerolog.Logger) *Slack {
	return &Slack{
		api:     api,
		channel: channel,
		logger:  logger.With().Str("component", "notify.slack").Logger(),
	}
}

func (s *Slack) post(ctx context.Context, fallback string, blocks []slack.Block) {
	_, ts, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to post notification")
		return
	}
	s.logger.Debug().Str("ts", ts).Msg("notification posted")
}

// RequestFinished posts a completed or failed request.
func (s *Slack) RequestFinished(ctx context.Context, p *store.Project, r *store.Request) {
	s.post(ctx, RequestText(p, r), RequestBlocks(p, r))
}

// RollbackFinished posts a rollback outcome.
func (s *Slack) RollbackFinished(ctx context.Context, p *store.Project, imp *store.Improvement, err error) {
	text := RollbackText(p, imp, err)
	s.post(ctx, text, []slack.Block{section(text)})
}

// SuggestionsHeld posts suggestions that need a human decision.
func (s *Slack) SuggestionsHeld(ctx context.Context, p *store.Project, held []*store.Suggestion) {
	if len(held) == 0 {
		return
	}
	fallback := fmt.Sprintf("%d suggestion(s) for %s need approval", len(held), p.Slug)
	s.post(ctx, fallback, HeldBlocks(p, held))
}

// truncate shortens s to max chars, appending "…" if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func section(text string) slack.Block {
	return slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", text, false, false), nil, nil)
}

// RequestText is the one-line summary of a terminal request.
func RequestText(p *store.Project, r *store.Request) string {
	if r.Status == store.RequestCompleted {
		return fmt.Sprintf("✅ %s: request %s completed", p.Slug, r.ShortID())
	}
	return fmt.Sprintf("❌ %s: request %s failed: %s", p.Slug, r.ShortID(), truncate(r.Error, 200))
}

// RequestBlocks renders a terminal request.
func RequestBlocks(p *store.Project, r *store.Request) []slack.Block {
	blocks := []slack.Block{
		section(fmt.Sprintf("*%s*\n>%s", RequestText(p, r), truncate(strings.ReplaceAll(r.Text, "\n", " "), 150))),
	}
	var fields []*slack.TextBlockObject
	if r.CommitSHA != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Commit:* `%s`", truncate(r.CommitSHA, 12)), false, false))
	}
	fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Turns:* %d", r.Turns), false, false))
	blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
	if r.Summary != "" {
		blocks = append(blocks, section(truncate(r.Summary, 1500)))
	}
	return blocks
}

// RollbackText is the one-line summary of a rollback.
func RollbackText(p *store.Project, imp *store.Improvement, err error) string {
	if err != nil {
		return fmt.Sprintf("⚠️ %s: rollback of %q failed: %s", p.Slug, imp.Title, truncate(err.Error(), 200))
	}
	return fmt.Sprintf("↩️ %s: rolled back %q (revert `%s`)", p.Slug, imp.Title, truncate(imp.RevertSHA, 12))
}

// HeldBlocks lists suggestions waiting for approval.
func HeldBlocks(p *store.Project, held []*store.Suggestion) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text",
			fmt.Sprintf("Suggestions awaiting approval: %s", p.Slug), false, false)),
	}
	for _, sg := range held {
		blocks = append(blocks, section(fmt.Sprintf("*%s* (P%d, %s, %s)\n%s\n`%s`",
			sg.Title, sg.Priority, sg.Category, sg.Effort, truncate(sg.Description, 300), sg.ID)))
	}
	return blocks
}
