// Package processor is the polling loop that claims pending requests and runs
// them to completion: prepare the tree, run the agent session, commit, push,
// and record the outcome.
//
// At most one request per project is processing at any time. The claim is a
// compare-and-set on the persisted status, so the guarantee holds across
// restarts and across processor instances sharing a database.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/metrics"
	"github.com/p-blackswan/incept/internal/notify"
	"github.com/p-blackswan/incept/internal/prompts"
	"github.com/p-blackswan/incept/internal/sandbox"
	"github.com/p-blackswan/incept/internal/session"
	"github.com/p-blackswan/incept/internal/store"
	"github.com/p-blackswan/incept/internal/tool"
	"github.com/p-blackswan/incept/internal/vcs"
)

// RecoveryReason is recorded on requests found processing at startup.
const RecoveryReason = "interrupted: process restarted"

// Workspace hands out exclusive, up-to-date working trees.
type Workspace interface {
	Acquire(ctx context.Context, projectID string) (func(), error)
	Prepare(ctx context.Context, p *store.Project) (string, vcs.Remote, error)
}

// Git commits and pushes a prepared tree.
type Git interface {
	HasChanges(ctx context.Context, dir string) (bool, error)
	Commit(ctx context.Context, dir, message string) (*vcs.Commit, error)
	Push(ctx context.Context, dir string, remote vcs.Remote) error
}

// Agent runs one session against a set of files.
type Agent interface {
	Run(ctx context.Context, req session.Request, snap prompts.Snapshot, files tool.Files) (*session.Result, error)
}

// Finalizer turns a terminal request into tracker records.
type Finalizer interface {
	Finalize(ctx context.Context, r *store.Request, commit *vcs.Commit) (*store.Improvement, error)
}

// Snapshots returns the prompt snapshot a new session starts with.
type Snapshots interface {
	Current() prompts.Snapshot
}

// Options tunes the processor.
type Options struct {
	PollInterval  time.Duration
	Workers       int
	DefaultModel  string
	// CommitPartial marks a request whose budget ran out as completed
	// rather than error. Its partial edits are committed in both cases.
	CommitPartial bool
}

// Processor claims and executes requests.
type Processor struct {
	store    *store.Store
	ws       Workspace
	git      Git
	agent    Agent
	prompts  Snapshots
	tracker  Finalizer
	notifier notify.Notifier
	metrics  *metrics.Metrics
	opts     Options
	logger   zerolog.Logger

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	lastPoll atomic.Int64
}

// Option configures a Processor.
type Option func(*Processor)

func WithNotifier(n notify.Notifier) Option { return func(p *Processor) { p.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Processor) { p.metrics = m } }

// New creates a Processor.
func New(st *store.Store, ws Workspace, git Git, agent Agent, snaps Snapshots, tracker Finalizer,
	opts Options, logger zerolog.Logger, options ...Option) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	p := &Processor{
		store:    st,
		ws:       ws,
		git:      git,
		agent:    agent,
		prompts:  snaps,
		tracker:  tracker,
		notifier: notify.Noop{},
		opts:     opts,
		logger:   logger.With().Str("component", "processor").Logger(),
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// LastPoll returns when the loop last polled, for health checks.
func (p *Processor) LastPoll() time.Time {
	ms := p.lastPoll.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Run recovers interrupted requests, then polls until ctx is done. It waits
// for in-flight requests before returning.
func (p *Processor) Run(ctx context.Context) error {
	ids, err := p.store.RecoverProcessing(ctx, RecoveryReason)
	if err != nil {
		return fmt.Errorf("recovering interrupted requests: %w", err)
	}
	if len(ids) > 0 {
		p.logger.Warn().Strs("request_ids", ids).Msg("marked interrupted requests as error")
	}

	p.logger.Info().Dur("interval", p.opts.PollInterval).Int("workers", p.opts.Workers).Msg("processor started")
	defer func() {
		p.wg.Wait()
		p.logger.Info().Msg("processor stopped")
	}()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll claims as many eligible requests as there are free workers and starts
// them. It returns without waiting for them.
func (p *Processor) Poll(ctx context.Context) {
	p.lastPoll.Store(time.Now().UnixMilli())
	p.refreshGauge(ctx)

	pending, err := p.store.NextPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("listing pending requests")
			p.recordError("poll")
		}
		return
	}

	for _, r := range pending {
		if !p.sem.TryAcquire(1) {
			return
		}
		ok, err := p.store.ClaimRequest(ctx, r.ID)
		if err != nil || !ok {
			p.sem.Release(1)
			if err != nil {
				p.logger.Error().Err(err).Str("request_id", r.ID).Msg("claiming request")
			}
			continue
		}
		p.wg.Add(1)
		go func(r *store.Request) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.process(ctx, r)
		}(r)
	}
}

// Wait blocks until every started request has finished.
func (p *Processor) Wait() { p.wg.Wait() }

// execution is what one run produced, successful or not.
type execution struct {
	project *store.Project
	result  *session.Result
	commit  *vcs.Commit
	partial error // budget exhaustion accepted as a partial result
	err     error
}

func (p *Processor) process(ctx context.Context, r *store.Request) {
	start := time.Now()
	log := p.logger.With().Str("request_id", r.ID).Str("project_id", r.ProjectID).Logger()
	log.Info().Msg("processing request")

	ex := p.execute(ctx, r, log)

	// Bookkeeping must land even when shutdown cancelled the session.
	bg := context.WithoutCancel(ctx)

	status := store.RequestCompleted
	out := store.Outcome{}
	if ex.result != nil {
		out.Summary = ex.result.Summary()
		out.Turns = ex.result.Turns
	}
	if ex.partial != nil {
		out.Summary += "\n\nStopped early: " + ex.partial.Error()
	}
	if ex.commit != nil {
		out.CommitSHA = ex.commit.SHA
	}
	if ex.err != nil {
		status = store.RequestError
		out.Error = perrors.Reason(ex.err)
		p.addLog(bg, r.ID, sandbox.LevelError, out.Error)
	}

	if err := p.store.FinishRequest(bg, r.ID, status, out); err != nil {
		log.Error().Err(err).Msg("recording request outcome")
		p.recordError("finish")
		return
	}
	final, err := p.store.GetRequest(bg, r.ID)
	if err != nil {
		log.Error().Err(err).Msg("reloading finished request")
		return
	}

	var commit *vcs.Commit
	if status == store.RequestCompleted {
		commit = ex.commit
	}
	if imp, err := p.tracker.Finalize(bg, final, commit); err != nil {
		log.Error().Err(err).Msg("finalizing request")
		p.recordError("finalize")
	} else if imp != nil {
		p.addLog(bg, r.ID, sandbox.LevelSuccess, "Recorded improvement "+imp.FeatureFlag)
	}

	if ex.project != nil {
		p.notifier.RequestFinished(bg, ex.project, final)
	}
	if p.metrics != nil {
		p.metrics.RecordRequest(string(status), kindOf(r), time.Since(start).Seconds())
		if ex.result != nil {
			p.metrics.ObserveTurns(ex.result.Turns)
		}
	}

	ev := log.Info()
	if ex.err != nil {
		ev = log.Warn().Str("reason", out.Error)
	}
	ev.Str("status", string(status)).Str("commit", out.CommitSHA).Dur("elapsed", time.Since(start)).Msg("request finished")
}

func (p *Processor) execute(ctx context.Context, r *store.Request, log zerolog.Logger) execution {
	var ex execution
	proj, err := p.store.GetProject(ctx, r.ProjectID)
	if err != nil {
		ex.err = err
		return ex
	}
	ex.project = proj

	release, err := p.ws.Acquire(ctx, proj.ID)
	if err != nil {
		ex.err = err
		return ex
	}
	defer release()

	p.addLog(ctx, r.ID, sandbox.LevelInfo, "Preparing working tree")
	dir, remote, err := p.ws.Prepare(ctx, proj)
	if err != nil {
		ex.err = err
		return ex
	}

	snap := p.prompts.Current()
	sb, err := sandbox.New(dir, func(level sandbox.Level, msg string) {
		p.addLog(context.WithoutCancel(ctx), r.ID, level, msg)
	})
	if err != nil {
		ex.err = err
		return ex
	}

	model := proj.Model
	if model == "" {
		model = p.opts.DefaultModel
	}
	req := session.Request{
		RequestID:    r.ID,
		ProjectName:  proj.Name,
		Instruction:  r.Text,
		Model:        model,
		PriorContext: p.priorContext(ctx, r),
		Observer: func(ev session.ToolEvent) {
			p.observeTool(ctx, r.ID, ev)
		},
	}
	p.addLog(ctx, r.ID, sandbox.LevelInfo, fmt.Sprintf("Starting session with %s (prompt v%d)", model, snap.Version))
	res, runErr := p.agent.Run(ctx, req, snap, sb)
	ex.result = res

	budget := runErr != nil && errors.Is(runErr, perrors.ErrBudgetExceeded)
	if runErr != nil && !budget {
		ex.err = runErr
		return ex
	}
	if budget {
		// Edits made before the budget ran out are committed either way.
		// CommitPartial only decides whether that counts as completed.
		if p.opts.CommitPartial {
			ex.partial = runErr
		} else {
			ex.err = runErr
		}
		log.Warn().Err(runErr).Msg("budget exhausted, committing partial progress")
		p.addLog(ctx, r.ID, sandbox.LevelWarning, runErr.Error()+"; committing partial progress")
	}

	changed, err := p.git.HasChanges(ctx, dir)
	if err != nil {
		ex.err = err
		return ex
	}
	if !changed {
		p.addLog(ctx, r.ID, sandbox.LevelInfo, "No changes to commit")
		return ex
	}

	commit, err := p.git.Commit(ctx, dir, CommitMessage(r))
	if err != nil {
		ex.err = err
		return ex
	}
	ex.commit = commit
	p.addLog(ctx, r.ID, sandbox.LevelSuccess, fmt.Sprintf("Committed %s (%d files)", shortSHA(commit.SHA), len(commit.Files)))

	if !r.AutoPush {
		p.addLog(ctx, r.ID, sandbox.LevelInfo, "Auto-push disabled, commit kept locally")
		return ex
	}
	if remote.URL == "" {
		p.addLog(ctx, r.ID, sandbox.LevelWarning, "Project has no remote, commit kept locally")
		return ex
	}
	if err := p.git.Push(ctx, dir, remote); err != nil {
		// The local commit stays; a later request's push carries it.
		if ex.err == nil {
			ex.err = err
		} else {
			p.addLog(ctx, r.ID, sandbox.LevelError, "Push failed: "+perrors.Reason(err))
		}
		return ex
	}
	p.addLog(ctx, r.ID, sandbox.LevelSuccess, "Pushed to "+remote.Branch)
	return ex
}

func (p *Processor) observeTool(ctx context.Context, requestID string, ev session.ToolEvent) {
	if p.metrics != nil {
		p.metrics.RecordToolCall(ev.Tool, ev.Err == nil)
	}
	switch {
	case ev.Err != nil:
		p.addLog(context.WithoutCancel(ctx), requestID, sandbox.LevelWarning, fmt.Sprintf("%s failed: %v", ev.Tool, ev.Err))
	case ev.Changed != "":
		p.addLog(context.WithoutCancel(ctx), requestID, sandbox.LevelInfo, fmt.Sprintf("%s: %s", ev.Tool, ev.Changed))
	}
}

const (
	priorLogLimit   = 10
	priorSummaryLen = 1000
)

// priorContext summarizes the parent of a resubmitted request.
func (p *Processor) priorContext(ctx context.Context, r *store.Request) string {
	if r.ParentID == "" {
		return ""
	}
	parent, err := p.store.GetRequest(ctx, r.ParentID)
	if err != nil {
		p.logger.Warn().Err(err).Str("request_id", r.ID).Msg("loading parent request")
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Previous request #%s ended with status %s.\n", parent.ShortID(), parent.Status)
	if logs, err := p.store.ListRequestLogs(ctx, parent.ID, priorLogLimit); err == nil && len(logs) > 0 {
		b.WriteString("\nProgress log from the previous attempt:\n")
		for _, l := range logs {
			fmt.Fprintf(&b, "  [%s] %s\n", l.Level, l.Message)
		}
	}
	summary := parent.Summary
	if parent.Error != "" {
		summary = strings.TrimSpace(summary + "\n" + parent.Error)
	}
	if summary != "" {
		if len(summary) > priorSummaryLen {
			summary = summary[:priorSummaryLen]
		}
		b.WriteString("\nPrevious result:\n" + summary + "\n")
	}
	b.WriteString("\nContinue from where the previous attempt left off. Avoid repeating completed work.")
	return b.String()
}

func (p *Processor) addLog(ctx context.Context, requestID string, level sandbox.Level, msg string) {
	if err := p.store.AddRequestLog(ctx, requestID, string(level), msg); err != nil {
		p.logger.Warn().Err(err).Str("request_id", requestID).Msg("writing request log")
	}
}

func (p *Processor) refreshGauge(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	counts, err := p.store.CountRequestsByStatus(ctx)
	if err != nil {
		return
	}
	m := make(map[string]int, len(counts))
	for s, n := range counts {
		m[string(s)] = n
	}
	p.metrics.SetRequests(m)
}

func (p *Processor) recordError(op string) {
	if p.metrics != nil {
		p.metrics.RecordError("processor", op)
	}
}

// CommitMessage is the message of the commit a request produces.
func CommitMessage(r *store.Request) string {
	text := strings.Join(strings.Fields(r.Text), " ")
	if len(text) > 50 {
		text = strings.TrimSpace(text[:50])
	}
	return fmt.Sprintf("Incept #%s: %s\n\nRequest: %s", r.ShortID(), text, r.ID)
}

func kindOf(r *store.Request) string {
	switch {
	case r.AutoSessionID != "":
		return "auto"
	case r.SuggestionID != "":
		return "suggestion"
	}
	return "direct"
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
