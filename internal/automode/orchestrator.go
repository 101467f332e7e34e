// Package automode runs unattended improvement cycles. Each running session
// alternates between generating suggestions, approving them through a
// policy, and submitting one request at a time until its bound is reached.
package automode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/metrics"
	"github.com/p-blackswan/incept/internal/notify"
	"github.com/p-blackswan/incept/internal/policy"
	"github.com/p-blackswan/incept/internal/store"
)

// BatchSize is the most suggestions one generation cycle asks for.
const BatchSize = 3

// Generator produces suggestions for a session.
type Generator interface {
	Generate(ctx context.Context, p *store.Project, direction string, n int, autoSessionID string) ([]*store.Suggestion, error)
}

// Action is what one step did for a session.
type Action string

const (
	ActionIdle      Action = "idle"      // not running
	ActionWaiting   Action = "waiting"   // a submitted request is still open
	ActionAwaiting  Action = "awaiting"  // suggestions wait for a human
	ActionSubmitted Action = "submitted" // a request was queued
	ActionGenerated Action = "generated" // suggestions were generated, none submittable yet
	ActionCompleted Action = "completed"
	ActionPaused    Action = "paused" // generation failed
	ActionBusy      Action = "busy"   // another step for this session is running
)

// Orchestrator drives every running auto session.
type Orchestrator struct {
	store    *store.Store
	gen      Generator
	policy   policy.ApprovalPolicy
	notifier notify.Notifier
	metrics  *metrics.Metrics
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	stepping map[string]bool
	lastTick atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithNotifier(n notify.Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// New creates an Orchestrator that ticks every interval.
func New(st *store.Store, gen Generator, pol policy.ApprovalPolicy, interval time.Duration, logger zerolog.Logger, opts ...Option) *Orchestrator {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if pol == nil {
		pol = policy.AutoPolicy{}
	}
	o := &Orchestrator{
		store:    st,
		gen:      gen,
		policy:   pol,
		notifier: notify.Noop{},
		interval: interval,
		logger:   logger.With().Str("component", "automode").Logger(),
		stepping: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LastTick returns when the loop last ran, for health checks.
func (o *Orchestrator) LastTick() time.Time {
	ms := o.lastTick.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Run ticks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info().Dur("interval", o.interval).Msg("auto-mode started")
	defer o.logger.Info().Msg("auto-mode stopped")

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick steps every running session once. Sessions run in parallel; a
// session's own steps never overlap.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.lastTick.Store(time.Now().UnixMilli())

	sessions, err := o.store.ListAutoSessions(ctx, "", store.AutoRunning)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error().Err(err).Msg("listing running sessions")
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range sessions {
		id := s.ID
		g.Go(func() error {
			if _, err := o.Step(gctx, id); err != nil && gctx.Err() == nil {
				o.logger.Error().Err(err).Str("session_id", id).Msg("auto-mode step failed")
				if o.metrics != nil {
					o.metrics.RecordError("automode", "step")
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Step advances one session by at most one request submission.
func (o *Orchestrator) Step(ctx context.Context, sessionID string) (Action, error) {
	if !o.enter(sessionID) {
		return ActionBusy, nil
	}
	defer o.leave(sessionID)

	sess, err := o.store.GetAutoSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status != store.AutoRunning {
		return ActionIdle, nil
	}
	log := o.logger.With().Str("session_id", sess.ID).Str("project_id", sess.ProjectID).Logger()

	open, err := o.store.CountOpenRequests(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	if open > 0 {
		return ActionWaiting, nil
	}

	if sess.Remaining() == 0 {
		note := fmt.Sprintf("submitted %d of %d", sess.Submitted, sess.MaxSuggestions)
		if err := o.store.TransitionAutoSession(ctx, sess.ID, store.AutoRunning, store.AutoCompleted, note); err != nil {
			if errors.Is(err, perrors.ErrConflict) {
				return ActionIdle, nil
			}
			return "", err
		}
		log.Info().Int("submitted", sess.Submitted).Msg("auto session completed")
		return ActionCompleted, nil
	}

	if submitted, err := o.submitNext(ctx, sess, log); err != nil || submitted {
		if submitted {
			return ActionSubmitted, nil
		}
		return "", err
	}

	waiting, err := o.store.CountAwaitingApproval(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	if waiting > 0 {
		return ActionAwaiting, nil
	}

	proj, err := o.store.GetProject(ctx, sess.ProjectID)
	if err != nil {
		return "", err
	}
	n := min(BatchSize, sess.Remaining())
	created, err := o.gen.Generate(ctx, proj, sess.Direction, n, sess.ID)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		note := "suggester failed: " + perrors.Reason(err)
		if terr := o.store.TransitionAutoSession(ctx, sess.ID, store.AutoRunning, store.AutoPaused, note); terr != nil && !errors.Is(terr, perrors.ErrConflict) {
			return "", terr
		}
		log.Warn().Err(err).Msg("generation failed, session paused")
		return ActionPaused, nil
	}

	held := o.review(ctx, created, log)
	if len(held) > 0 {
		o.notifier.SuggestionsHeld(ctx, proj, held)
	}

	submitted, err := o.submitNext(ctx, sess, log)
	if err != nil {
		return "", err
	}
	if submitted {
		return ActionSubmitted, nil
	}
	if len(held) > 0 {
		return ActionAwaiting, nil
	}
	return ActionGenerated, nil
}

// review runs each new suggestion through the policy and returns the held ones.
func (o *Orchestrator) review(ctx context.Context, created []*store.Suggestion, log zerolog.Logger) []*store.Suggestion {
	var held []*store.Suggestion
	for _, sg := range created {
		decision, reason := o.policy.Evaluate(ctx, sg)
		if decision == policy.DecisionApprove {
			if err := o.store.ApproveSuggestion(ctx, sg.ID); err != nil {
				log.Error().Err(err).Str("suggestion_id", sg.ID).Msg("approving suggestion")
				continue
			}
		} else {
			held = append(held, sg)
		}
		if o.metrics != nil {
			o.metrics.RecordSuggestion(string(decision))
		}
		log.Debug().Str("suggestion_id", sg.ID).Str("decision", string(decision)).Str("reason", reason).Msg("suggestion reviewed")
	}
	return held
}

// submitNext queues the highest-priority accepted suggestion, if any.
func (o *Orchestrator) submitNext(ctx context.Context, sess *store.AutoSession, log zerolog.Logger) (bool, error) {
	sg, err := o.store.NextAcceptedSuggestion(ctx, sess.ID)
	if err != nil || sg == nil {
		return false, err
	}
	r, err := o.store.SubmitAutoSuggestion(ctx, sg.ID, RequestText(sg), true)
	if err != nil {
		// Paused or at the bound since we looked.
		if errors.Is(err, perrors.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	log.Info().Str("suggestion_id", sg.ID).Str("request_id", r.ID).Str("title", sg.Title).Msg("submitted suggestion")
	return true, nil
}

func (o *Orchestrator) enter(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stepping[id] {
		return false
	}
	o.stepping[id] = true
	return true
}

func (o *Orchestrator) leave(id string) {
	o.mu.Lock()
	delete(o.stepping, id)
	o.mu.Unlock()
}

// Start opens a running session for a project.
func (o *Orchestrator) Start(ctx context.Context, projectID, direction string, maxSuggestions int) (*store.AutoSession, error) {
	s, err := o.store.CreateAutoSession(ctx, projectID, direction, maxSuggestions)
	if err != nil {
		return nil, err
	}
	o.logger.Info().Str("session_id", s.ID).Str("project_id", projectID).Int("max", maxSuggestions).Msg("auto session started")
	return s, nil
}

// Pause stops generation and submission. An in-flight request still finishes.
func (o *Orchestrator) Pause(ctx context.Context, id, note string) (*store.AutoSession, error) {
	if note == "" {
		note = "paused by user"
	}
	if _, err := o.store.GetAutoSession(ctx, id); err != nil {
		return nil, err
	}
	if err := o.store.TransitionAutoSession(ctx, id, store.AutoRunning, store.AutoPaused, note); err != nil {
		return nil, err
	}
	return o.store.GetAutoSession(ctx, id)
}

// Resume puts a paused session back to running.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*store.AutoSession, error) {
	if _, err := o.store.GetAutoSession(ctx, id); err != nil {
		return nil, err
	}
	if err := o.store.TransitionAutoSession(ctx, id, store.AutoPaused, store.AutoRunning, ""); err != nil {
		return nil, err
	}
	return o.store.GetAutoSession(ctx, id)
}

// RequestText renders the instruction submitted for a suggestion.
func RequestText(sg *store.Suggestion) string {
	var b strings.Builder
	b.WriteString("Implement the following improvement (Auto-Mode):\n\n")
	fmt.Fprintf(&b, "Title: %s\n\n", sg.Title)
	fmt.Fprintf(&b, "Description: %s\n\n", sg.Description)
	fmt.Fprintf(&b, "Implementation Details:\n%s\n\n", sg.ImplementationDetails)
	fmt.Fprintf(&b, "Category: %s\n", sg.Category)
	fmt.Fprintf(&b, "Estimated Effort: %s\n", sg.Effort)
	if len(sg.Dependencies) > 0 {
		fmt.Fprintf(&b, "Depends on: %s\n", strings.Join(sg.Dependencies, ", "))
	}
	return b.String()
}
