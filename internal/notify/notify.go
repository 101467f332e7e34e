// Package notify tells humans about terminal requests, rollbacks and
// suggestions waiting for approval.
package notify

import (
	"context"

	"github.com/p-blackswan/incept/internal/store"
)

// Notifier receives pipeline outcomes. Implementations must not block the
// caller for long and never return errors; delivery is best effort.
type Notifier interface {
	RequestFinished(ctx context.Context, p *store.Project, r *store.Request)
	RollbackFinished(ctx context.Context, p *store.Project, imp *store.Improvement, err error)
	SuggestionsHeld(ctx context.Context, p *store.Project, held []*store.Suggestion)
}

// Noop discards every notification.
type Noop struct{}

func (Noop) RequestFinished(context.Context, *store.Project, *store.Request) {}

func (Noop) RollbackFinished(context.Context, *store.Project, *store.Improvement, error) {}

func (Noop) SuggestionsHeld(context.Context, *store.Project, []*store.Suggestion) {}
