package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/incept/internal/store"
)

type fakeSlack struct {
	channels []string
	calls    int
	err      error
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.calls++
	f.channels = append(f.channels, channelID)
	return channelID, "123.456", f.err
}

var project = &store.Project{ID: "p1", Slug: "shop"}

func TestRequestText(t *testing.T) {
	done := &store.Request{ID: "abcdef12-0000", Status: store.RequestCompleted}
	assert.Equal(t, "✅ shop: request abcdef12 completed", RequestText(project, done))

	failed := &store.Request{ID: "abcdef12-0000", Status: store.RequestError, Error: "VcsFailure: git push: rejected"}
	assert.Contains(t, RequestText(project, failed), "failed: VcsFailure: git push: rejected")
}

func TestRequestBlocks(t *testing.T) {
	r := &store.Request{
		ID: "abcdef12", Status: store.RequestCompleted, Text: "Add a health-check endpoint",
		CommitSHA: "0123456789abcdef", Summary: "Changes made:\n- health.go", Turns: 4,
	}
	blocks := RequestBlocks(project, r)
	require.Len(t, blocks, 3)
	fields := blocks[1].(*slack.SectionBlock).Fields
	assert.Equal(t, "*Commit:* `0123456789ab…`", fields[0].Text)
}

func TestRollbackText(t *testing.T) {
	imp := &store.Improvement{Title: "Cache pages", RevertSHA: "feedface"}
	assert.Contains(t, RollbackText(project, imp, nil), "rolled back \"Cache pages\"")
	assert.Contains(t, RollbackText(project, imp, errors.New("conflict")), "failed: conflict")
}

func TestSlack_Posts(t *testing.T) {
	api := &fakeSlack{}
	s := NewSlackWithAPI(api, "C123", zerolog.Nop())
	ctx := context.Background()

	s.RequestFinished(ctx, project, &store.Request{ID: "r1", Status: store.RequestCompleted})
	s.RollbackFinished(ctx, project, &store.Improvement{Title: "x"}, nil)
	s.SuggestionsHeld(ctx, project, nil)
	s.SuggestionsHeld(ctx, project, []*store.Suggestion{{ID: "s1", Title: "t"}})

	assert.Equal(t, 3, api.calls)
	assert.Equal(t, []string{"C123", "C123", "C123"}, api.channels)
}

func TestSlack_ErrorsAreSwallowed(t *testing.T) {
	api := &fakeSlack{err: errors.New("channel_not_found")}
	s := NewSlackWithAPI(api, "C123", zerolog.Nop())
	assert.NotPanics(t, func() {
		s.RequestFinished(context.Background(), project, &store.Request{ID: "r1", Status: store.RequestError})
	})
}

func TestNoop(t *testing.T) {
	var n Notifier = Noop{}
	n.RequestFinished(context.Background(), project, &store.Request{})
}
