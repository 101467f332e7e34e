package policy_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/incept/internal/errors"
	"github.com/p-blackswan/incept/internal/policy"
	"github.com/p-blackswan/incept/internal/store"
)

func suggestion(category string, priority int, effort string) *store.Suggestion {
	return &store.Suggestion{ID: "s1", Title: "t", Category: category, Priority: priority, Effort: effort}
}

func TestNew(t *testing.T) {
	for name, want := range map[string]any{
		"":          policy.AutoPolicy{},
		"auto":      policy.AutoPolicy{},
		"MANUAL":    policy.ManualPolicy{},
		"threshold": &policy.ThresholdPolicy{},
	} {
		p, err := policy.New(name, 3, zerolog.Nop())
		require.NoError(t, err, name)
		assert.IsType(t, want, p, name)
	}

	_, err := policy.New("yolo", 3, zerolog.Nop())
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestAutoAndManual(t *testing.T) {
	ctx := context.Background()
	sg := suggestion("security", 5, "large")

	d, _ := policy.AutoPolicy{}.Evaluate(ctx, sg)
	assert.Equal(t, policy.DecisionApprove, d)

	d, _ = policy.ManualPolicy{}.Evaluate(ctx, suggestion("feature", 1, "small"))
	assert.Equal(t, policy.DecisionHold, d)
}

func TestThresholdPolicy_Rules(t *testing.T) {
	p := policy.NewThresholdPolicy(3, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name string
		sg   *store.Suggestion
		want policy.Decision
	}{
		{"small feature", suggestion("feature", 2, "small"), policy.DecisionApprove},
		{"at max priority", suggestion("testing", 3, "medium"), policy.DecisionApprove},
		{"low priority", suggestion("feature", 4, "small"), policy.DecisionHold},
		{"large effort", suggestion("feature", 1, "large"), policy.DecisionHold},
		{"security", suggestion("security", 1, "small"), policy.DecisionHold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, reason := p.Evaluate(ctx, tt.sg)
			assert.Equal(t, tt.want, d, reason)
		})
	}
	assert.Len(t, p.History(), len(tests))
}

func TestThresholdPolicy_LearnsFromFailures(t *testing.T) {
	p := policy.NewThresholdPolicy(3, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		p.Feedback("ui", false)
	}
	d, _ := p.Evaluate(ctx, suggestion("ui", 1, "small"))
	assert.Equal(t, policy.DecisionApprove, d, "too few outcomes to judge")

	p.Feedback("ui", true)
	d, reason := p.Evaluate(ctx, suggestion("ui", 1, "small"))
	assert.Equal(t, policy.DecisionHold, d)
	assert.Contains(t, reason, "success rate")

	d, _ = p.Evaluate(ctx, suggestion("feature", 1, "small"))
	assert.Equal(t, policy.DecisionApprove, d, "other categories are unaffected")
}
