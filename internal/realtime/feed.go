// Package realtime turns backend change-feed events into notification-worthy
// inbound events for the signed-in user.
package realtime

import (
	"context"

	"chatr/internal/models"
)

// Handler receives events for one subscription.
type Handler func(ctx context.Context, ev models.ChangeEvent)

// Filter selects the rows a subscription receives. Column and Value form an
// equality filter; the backend cannot express anything richer.
type Filter struct {
	Topic  string
	Schema string
	Table  string
	Event  models.ChangeType
	Column string
	Value  string
}

// Expression renders the equality filter in PostgREST form, or "" when the
// subscription is unfiltered.
func (f Filter) Expression() string {
	if f.Column == "" {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

// Subscription identifies an active feed subscription.
type Subscription struct {
	ID    string
	Topic string
}

// Feed is the change-feed transport.
type Feed interface {
	Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error)
	Unsubscribe(ctx context.Context, sub Subscription) error
}

// ParticipationChecker answers whether a user belongs to a conversation.
type ParticipationChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Sink consumes inbound events.
type Sink interface {
	Present(ctx context.Context, ev models.InboundEvent)
}
