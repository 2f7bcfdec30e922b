package realtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"chatr/internal/constants"
	apperrors "chatr/internal/errors"
	"chatr/internal/metrics"
	"chatr/internal/models"
	"chatr/internal/privacy"
)

// Tables the listener subscribes to.
const (
	TableMessages     = "messages"
	TableAppointments = "appointments"
	TableCalls        = "calls"
	PresenceTopic     = "presence:online"
)

// ListenerOption customises a Listener.
type ListenerOption func(*Listener)

// WithPresence feeds presence events into tracker.
func WithPresence(tracker *PresenceTracker) ListenerOption {
	return func(l *Listener) { l.presence = tracker }
}

// WithMetrics counts handled and dropped events in registry.
func WithMetrics(registry *metrics.Registry) ListenerOption {
	return func(l *Listener) { l.metrics = registry }
}

// WithSchema overrides the database schema to subscribe in.
func WithSchema(schema string) ListenerOption {
	return func(l *Listener) {
		if schema != "" {
			l.schema = schema
		}
	}
}

// Listener owns the change-feed subscriptions for one identity at a time.
type Listener struct {
	feed          Feed
	participation ParticipationChecker
	sink          Sink
	presence      *PresenceTracker
	metrics       *metrics.Registry
	schema        string
	logger        *logrus.Logger
	now           func() time.Time

	// self is read by handlers on the feed's goroutine, so it lives outside
	// mu, which is held across Subscribe and Unsubscribe calls.
	self atomic.Value

	mu   sync.Mutex
	subs []Subscription
}

// NewListener creates a listener with no identity.
func NewListener(feed Feed, participation ParticipationChecker, sink Sink, logger *logrus.Logger, opts ...ListenerOption) *Listener {
	l := &Listener{
		feed:          feed,
		participation: participation,
		sink:          sink,
		schema:        constants.DefaultRealtimeSchema,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetIdentity tears down the subscriptions of the previous identity and
// subscribes for userID. An empty userID only tears down. Subscription
// failures are logged and returned together; the remaining subscriptions
// stay active.
func (l *Listener) SetIdentity(ctx context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.teardownLocked(ctx)
	l.self.Store(userID)
	if l.presence != nil {
		l.presence.Reset()
	}
	if userID == "" {
		return nil
	}

	var errs []error
	for _, target := range l.targets(userID) {
		sub, err := l.feed.Subscribe(ctx, target.filter, target.handler)
		if err != nil {
			subErr := apperrors.NewSubscribeError(target.filter.Topic, err)
			apperrors.WrapLogger(l.logger).LogWarn(subErr, "Realtime subscription failed", logrus.Fields{
				"table": target.filter.Table,
			})
			errs = append(errs, subErr)
			continue
		}
		l.subs = append(l.subs, sub)
	}

	l.logger.WithFields(logrus.Fields{
		"user_id":       privacy.MaskUserID(userID),
		"subscriptions": len(l.subs),
	}).Info("Realtime listener subscribed")

	return stderrors.Join(errs...)
}

// Identity returns the user the listener is subscribed for.
func (l *Listener) Identity() string {
	self, _ := l.self.Load().(string)
	return self
}

// Close unsubscribes everything.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.teardownLocked(ctx)
	l.self.Store("")
	return nil
}

type target struct {
	filter  Filter
	handler Handler
}

func (l *Listener) targets(self string) []target {
	targets := []target{
		{
			// Membership cannot be expressed as an equality filter, so every
			// message insert arrives here and is filtered client-side.
			filter: Filter{
				Topic:  "messages:" + self,
				Schema: l.schema,
				Table:  TableMessages,
				Event:  models.ChangeInsert,
			},
			handler: l.guard(self, l.handleMessage),
		},
		{
			filter: Filter{
				Topic:  "appointments:" + self,
				Schema: l.schema,
				Table:  TableAppointments,
				Event:  models.ChangeAll,
				Column: "patient_id",
				Value:  self,
			},
			handler: l.guard(self, l.handleAppointment),
		},
		{
			filter: Filter{
				Topic:  "calls:" + self,
				Schema: l.schema,
				Table:  TableCalls,
				Event:  models.ChangeInsert,
				Column: "receiver_id",
				Value:  self,
			},
			handler: l.guard(self, l.handleCall),
		},
	}
	if l.presence != nil {
		targets = append(targets, target{
			filter:  Filter{Topic: PresenceTopic},
			handler: l.guard(self, l.handlePresence),
		})
	}
	return targets
}

// guard drops events that arrive for an identity that is no longer current.
func (l *Listener) guard(self string, fn func(ctx context.Context, self string, ev models.ChangeEvent)) Handler {
	return func(ctx context.Context, ev models.ChangeEvent) {
		if l.Identity() != self {
			return
		}
		fn(ctx, self, ev)
	}
}

func (l *Listener) teardownLocked(ctx context.Context) {
	for _, sub := range l.subs {
		if err := l.feed.Unsubscribe(ctx, sub); err != nil {
			l.logger.WithError(err).WithField("topic", sub.Topic).Warn("Failed to unsubscribe from realtime topic")
		}
	}
	if len(l.subs) > 0 {
		l.logger.WithField("subscriptions", len(l.subs)).Debug("Realtime subscriptions torn down")
	}
	l.subs = nil
}

func (l *Listener) handleMessage(ctx context.Context, self string, ev models.ChangeEvent) {
	if ev.Type != models.ChangeInsert {
		return
	}

	var row models.MessageRow
	if err := ev.Decode(&row); err != nil {
		l.logger.WithError(err).Debug("Ignoring undecodable message event")
		l.count(TableMessages, "invalid")
		return
	}

	if row.SenderID == self {
		l.count(TableMessages, "self")
		return
	}

	ok, err := l.participation.IsParticipant(ctx, row.ConversationID, self)
	if err != nil {
		l.logger.WithError(err).WithField("conversation_id", privacy.MaskConversationID(row.ConversationID)).
			Warn("Participation check failed, dropping message event")
		l.count(TableMessages, "check_failed")
		return
	}
	if !ok {
		l.count(TableMessages, "foreign")
		return
	}

	l.count(TableMessages, "presented")
	l.sink.Present(ctx, models.InboundEvent{
		Kind:           models.EventKindMessage,
		OriginUserID:   row.SenderID,
		ConversationID: row.ConversationID,
		Title:          "New message",
		Body:           messagePreview(row),
		Message:        &row,
		ReceivedAt:     l.now(),
	})
}

func (l *Listener) handleAppointment(ctx context.Context, self string, ev models.ChangeEvent) {
	var title string
	switch ev.Type {
	case models.ChangeInsert:
		title = "Appointment Confirmed"
	case models.ChangeUpdate:
	default:
		return
	}

	var row models.AppointmentRow
	if err := ev.Decode(&row); err != nil {
		l.logger.WithError(err).Debug("Ignoring undecodable appointment event")
		l.count(TableAppointments, "invalid")
		return
	}
	if row.PatientID != "" && row.PatientID != self {
		l.count(TableAppointments, "foreign")
		return
	}
	if ev.Type == models.ChangeUpdate {
		title = "Appointment Updated: status=" + row.Status
	}

	body := ""
	if row.ScheduledAt != nil {
		body = "Scheduled for " + row.ScheduledAt.Local().Format("Mon Jan 2, 15:04")
	}

	l.count(TableAppointments, "presented")
	l.sink.Present(ctx, models.InboundEvent{
		Kind:         models.EventKindAppointment,
		OriginUserID: row.ProviderID,
		Title:        title,
		Body:         body,
		Appointment:  &row,
		ReceivedAt:   l.now(),
	})
}

func (l *Listener) handleCall(ctx context.Context, self string, ev models.ChangeEvent) {
	if ev.Type != models.ChangeInsert {
		return
	}

	var row models.CallRow
	if err := ev.Decode(&row); err != nil {
		l.logger.WithError(err).Debug("Ignoring undecodable call event")
		l.count(TableCalls, "invalid")
		return
	}
	if row.ReceiverID != self || row.Status != models.CallStatusRinging {
		l.count(TableCalls, "ignored")
		return
	}

	callType := row.CallType
	if callType == "" {
		callType = "voice"
	}

	l.count(TableCalls, "presented")
	l.sink.Present(ctx, models.InboundEvent{
		Kind:         models.EventKindCall,
		OriginUserID: row.CallerID,
		Title:        fmt.Sprintf("Incoming %s call", callType),
		Call:         &row,
		ReceivedAt:   l.now(),
	})
}

func (l *Listener) handlePresence(_ context.Context, _ string, ev models.ChangeEvent) {
	var record models.PresenceRecord
	if err := ev.Decode(&record); err != nil {
		l.logger.WithError(err).Debug("Ignoring undecodable presence event")
		return
	}

	switch ev.Type {
	case models.ChangePresenceJoin:
		for _, id := range record.UserIDs {
			l.presence.Join(id)
		}
	case models.ChangePresenceLeave:
		for _, id := range record.UserIDs {
			l.presence.Leave(id)
		}
	case models.ChangePresenceSync:
		l.presence.Sync(record.UserIDs)
	}
}

func (l *Listener) count(table, outcome string) {
	l.metrics.IncrementCounter("realtime_events_total", map[string]string{
		"table":   table,
		"outcome": outcome,
	}, "Change-feed events by outcome")
}

func messagePreview(row models.MessageRow) string {
	content := strings.TrimSpace(row.Content)
	if content == "" {
		if row.MediaURL != nil {
			return "Sent an attachment"
		}
		return ""
	}
	if utf8.RuneCountInString(content) <= constants.NotificationPreviewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:constants.NotificationPreviewLength]) + "..."
}
