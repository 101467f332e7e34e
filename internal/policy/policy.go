// Package policy decides whether auto-mode may implement a suggestion on
// its own or must leave it for a human.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/store"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	// DecisionApprove lets auto-mode accept and submit the suggestion.
	DecisionApprove Decision = "approve"

	// DecisionHold leaves the suggestion in suggested for a human.
	DecisionHold Decision = "hold"
)

// Policy names accepted by New.
const (
	NameAuto      = "auto"
	NameManual    = "manual"
	NameThreshold = "threshold"
)

// DecisionRecord logs a policy decision.
type DecisionRecord struct {
	SuggestionID string
	Category     string
	Decision     Decision
	Reason       string
	MadeAt       time.Time
}

// ApprovalPolicy evaluates a freshly generated suggestion.
type ApprovalPolicy interface {
	// Evaluate returns a decision and a human-readable reason.
	Evaluate(ctx context.Context, sg *store.Suggestion) (Decision, string)

	// Feedback registers whether an approved suggestion's request succeeded.
	Feedback(category string, successful bool)
}

// New builds the policy named by AUTO_APPROVE_POLICY.
func New(name string, maxPriority int, logger zerolog.Logger) (ApprovalPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameAuto:
		return AutoPolicy{}, nil
	case NameManual:
		return ManualPolicy{}, nil
	case NameThreshold:
		return NewThresholdPolicy(maxPriority, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown approval policy %q", perrors.ErrInvalidInput, name)
	}
}

// AutoPolicy approves everything.
type AutoPolicy struct{}

func (AutoPolicy) Evaluate(context.Context, *store.Suggestion) (Decision, string) {
	return DecisionApprove, "auto-approve"
}

func (AutoPolicy) Feedback(string, bool) {}

// ManualPolicy holds everything for a human.
type ManualPolicy struct{}

func (ManualPolicy) Evaluate(context.Context, *store.Suggestion) (Decision, string) {
	return DecisionHold, "manual approval required"
}

func (ManualPolicy) Feedback(string, bool) {}

// ThresholdPolicy approves small, important, non-security suggestions.
// It also tracks outcomes per category and stops approving a category
// whose recent requests mostly failed.
type ThresholdPolicy struct {
	mu     sync.Mutex
	logger zerolog.Logger

	// MaxPriority: suggestions with Priority <= this value may be approved.
	MaxPriority int

	// HeldCategories are never approved automatically.
	HeldCategories map[string]bool

	history     []*DecisionRecord
	successRate map[string]*rateTracker
}

type rateTracker struct {
	total   int
	success int
}

// NewThresholdPolicy creates a ThresholdPolicy that holds security work.
func NewThresholdPolicy(maxPriority int, logger zerolog.Logger) *ThresholdPolicy {
	return &ThresholdPolicy{
		MaxPriority:    maxPriority,
		HeldCategories: map[string]bool{"security": true},
		successRate:    make(map[string]*rateTracker),
		logger:         logger.With().Str("component", "policy").Logger(),
	}
}

// Evaluate applies the priority, effort and category rules.
func (p *ThresholdPolicy) Evaluate(_ context.Context, sg *store.Suggestion) (Decision, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var d Decision
	var reason string
	switch {
	case p.HeldCategories[sg.Category]:
		d, reason = DecisionHold, fmt.Sprintf("category %q requires review", sg.Category)
	case sg.Effort == "large":
		d, reason = DecisionHold, "large effort requires review"
	case sg.Priority > p.MaxPriority:
		d, reason = DecisionHold, fmt.Sprintf("priority %d > max %d", sg.Priority, p.MaxPriority)
	default:
		d, reason = DecisionApprove, fmt.Sprintf("priority %d <= max %d", sg.Priority, p.MaxPriority)
	}

	if d == DecisionApprove {
		if rt, ok := p.successRate[sg.Category]; ok && rt.total >= 5 {
			rate := float64(rt.success) / float64(rt.total)
			if rate < 0.5 {
				d = DecisionHold
				reason = fmt.Sprintf("success rate %.0f%% < 50%% for %q", rate*100, sg.Category)
			}
		}
	}

	p.record(sg, d, reason)
	p.logger.Info().Str("suggestion_id", sg.ID).Str("decision", string(d)).Str("reason", reason).Msg("policy decision")
	return d, reason
}

// Feedback registers the outcome of an approved suggestion.
func (p *ThresholdPolicy) Feedback(category string, successful bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rt := p.successRate[category]
	if rt == nil {
		rt = &rateTracker{}
		p.successRate[category] = rt
	}
	rt.total++
	if successful {
		rt.success++
	}
	p.logger.Debug().Str("category", category).Bool("successful", successful).
		Str("rate", fmt.Sprintf("%d/%d", rt.success, rt.total)).Msg("policy feedback")
}

// record appends a decision to the history (capped at 500).
func (p *ThresholdPolicy) record(sg *store.Suggestion, d Decision, reason string) {
	p.history = append(p.history, &DecisionRecord{
		SuggestionID: sg.ID,
		Category:     sg.Category,
		Decision:     d,
		Reason:       reason,
		MadeAt:       time.Now().UTC(),
	})
	if len(p.history) > 500 {
		p.history = p.history[len(p.history)-500:]
	}
}

// History returns a copy of recent decision records.
func (p *ThresholdPolicy) History() []DecisionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DecisionRecord, len(p.history))
	for i, r := range p.history {
		out[i] = *r
	}
	return out
}
